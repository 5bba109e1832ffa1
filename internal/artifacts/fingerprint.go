package artifacts

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"time"
)

// Fingerprint identifies one rendered artifact. Any change to the
// source format file or the renderer itself yields a new fingerprint,
// so stale artifacts are simply never found.
func Fingerprint(libraryUUID string, bookID int64, format string, size int64, mtime time.Time, rendererVersion int) string {
	h := sha1.New()
	fmt.Fprintf(h, "%s\x00%d\x00%s\x00%d\x00%d\x00%d",
		libraryUUID, bookID, format, size, mtime.UnixNano(), rendererVersion)
	return hex.EncodeToString(h.Sum(nil))
}
