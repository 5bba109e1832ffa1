// Package layout maps book identity to on-disk folders: path
// sanitization, folder naming, atomic renames and the id scan used by
// the restore pass.
package layout

import (
	"fmt"
	"strings"
)

// Characters never allowed in a path component. The Windows-reserved
// set is filtered on every platform so libraries stay portable across
// filesystem families.
const reservedChars = `<>:"/\|?*`

// Windows device names that cannot be used as file names, with or
// without extension.
var reservedNames = map[string]bool{
	"con": true, "prn": true, "aux": true, "nul": true,
	"com1": true, "com2": true, "com3": true, "com4": true, "com5": true,
	"com6": true, "com7": true, "com8": true, "com9": true,
	"lpt1": true, "lpt2": true, "lpt3": true, "lpt4": true, "lpt5": true,
	"lpt6": true, "lpt7": true, "lpt8": true, "lpt9": true,
}

// SanitizeComponent produces a single path component safe on every
// supported filesystem family: control characters and reserved
// characters removed, leading/trailing whitespace and trailing dots
// stripped, reserved device names prefixed, never empty.
func SanitizeComponent(name string) string {
	var b strings.Builder
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			continue
		}
		if strings.ContainsRune(reservedChars, r) {
			continue
		}
		b.WriteRune(r)
	}
	s := strings.TrimSpace(b.String())
	s = strings.TrimRight(s, ". ")
	if s == "" {
		return "_"
	}
	base := s
	if i := strings.IndexByte(s, '.'); i >= 0 {
		base = s[:i]
	}
	if reservedNames[strings.ToLower(base)] {
		s = "_" + s
	}
	return s
}

// truncateComponent shortens a component to at most limit bytes
// without splitting a UTF-8 sequence, preserving the given suffix
// (the " (<id>)" marker on book folders) intact. When suffix alone
// exceeds the limit the suffix wins: the id must survive truncation.
func truncateComponent(s, suffix string, limit int) string {
	if len(s)+len(suffix) <= limit {
		return s + suffix
	}
	keep := limit - len(suffix)
	if keep < 1 {
		return suffix
	}
	for keep > 0 && !isUTF8Start(s, keep) {
		keep--
	}
	trimmed := strings.TrimRight(s[:keep], ". ")
	if trimmed == "" {
		trimmed = "_"
	}
	return trimmed + suffix
}

func isUTF8Start(s string, i int) bool {
	if i >= len(s) {
		return true
	}
	return s[i]&0xc0 != 0x80
}

// bookDirLeaf builds the leaf folder component "<title> (<id>)",
// sanitized and truncated with the id suffix preserved.
func bookDirLeaf(title string, id int64, limit int) string {
	return truncateComponent(SanitizeComponent(title), fmt.Sprintf(" (%d)", id), limit)
}
