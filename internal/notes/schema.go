package notes

// Schema contains all CREATE TABLE/TRIGGER statements for the notes
// database. The FTS index shadows notes.searchable_text through
// triggers so the two can never drift.
const Schema = `
CREATE TABLE IF NOT EXISTS notes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    item INTEGER NOT NULL,
    colname TEXT NOT NULL,
    doc TEXT NOT NULL DEFAULT '',
    searchable_text TEXT NOT NULL DEFAULT '',
    ctime INTEGER NOT NULL,
    mtime INTEGER NOT NULL,
    UNIQUE(item, colname)
);

CREATE TABLE IF NOT EXISTS notes_resources_link (
    note INTEGER NOT NULL REFERENCES notes(id) ON DELETE CASCADE,
    hash TEXT NOT NULL,
    UNIQUE(note, hash)
);
CREATE INDEX IF NOT EXISTS idx_nrl_hash ON notes_resources_link(hash);

CREATE TABLE IF NOT EXISTS resources (
    hash TEXT PRIMARY KEY,
    name TEXT NOT NULL UNIQUE COLLATE NOCASE
);

CREATE TABLE IF NOT EXISTS retired_notes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    item INTEGER NOT NULL,
    colname TEXT NOT NULL,
    blob BLOB NOT NULL,
    retired_at INTEGER NOT NULL,
    UNIQUE(item, colname) ON CONFLICT REPLACE
);

CREATE TABLE IF NOT EXISTS pending_notes (
    note INTEGER PRIMARY KEY REFERENCES notes(id) ON DELETE CASCADE
);

CREATE VIRTUAL TABLE IF NOT EXISTS notes_fts USING fts5(
    searchable_text,
    content='notes',
    content_rowid='id',
    tokenize='porter unicode61'
);

CREATE TRIGGER IF NOT EXISTS notes_fts_insert AFTER INSERT ON notes BEGIN
    INSERT INTO notes_fts(rowid, searchable_text) VALUES (new.id, new.searchable_text);
END;

CREATE TRIGGER IF NOT EXISTS notes_fts_delete AFTER DELETE ON notes BEGIN
    INSERT INTO notes_fts(notes_fts, rowid, searchable_text) VALUES('delete', old.id, old.searchable_text);
END;

CREATE TRIGGER IF NOT EXISTS notes_fts_update AFTER UPDATE OF searchable_text ON notes BEGIN
    INSERT INTO notes_fts(notes_fts, rowid, searchable_text) VALUES('delete', old.id, old.searchable_text);
    INSERT INTO notes_fts(rowid, searchable_text) VALUES (new.id, new.searchable_text);
END;
`
