// Package fileid derives stable document ids for files imported from a directory.
package fileid

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"
)

// DefaultPrefix marks documents imported from files rather than corpus.json.
const DefaultPrefix = "file_"

// DocID returns a stable id for path relative to root. The id depends only on the
// slash-separated relative path, so moving the whole directory keeps ids unchanged.
// A path outside root falls back to its cleaned absolute form.
func DocID(prefix, root, path string) string {
	key := filepath.Clean(path)
	if rel, err := filepath.Rel(root, path); err == nil && !strings.HasPrefix(rel, "..") {
		key = rel
	}
	sum := sha256.Sum256([]byte(filepath.ToSlash(key)))
	return prefix + hex.EncodeToString(sum[:8])
}
