package config

const (
	// MetadataDBName is the main database file inside a library root.
	MetadataDBName = "metadata.db"

	// NotesDirName holds the notes database and its resources inside
	// the library root.
	NotesDirName = ".calnotes"

	// NotesDBName is the notes database file inside NotesDirName.
	NotesDBName = "notes.db"

	// SidecarName is the per-book metadata side-car file.
	SidecarName = "metadata.opf"

	// CoverName is the per-book cover file.
	CoverName = "cover.jpg"

	// DefaultCacheDir is used when no cache directory is configured.
	DefaultCacheDir = "./cache"
)
