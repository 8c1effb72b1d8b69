package storage

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// Footprint is the on-disk size of each persisted artifact, in bytes.
type Footprint struct {
	Database   int64 `json:"database_bytes"`
	KeywordIdx int64 `json:"keyword_index_bytes"`
	VectorIdx  int64 `json:"vector_index_bytes"`
	TotalBytes int64 `json:"total_bytes"`
}

// MeasureFootprint sizes the database file and both index locations. Missing paths count
// as zero so a fresh install reports an empty footprint instead of failing.
func MeasureFootprint(dbPath, keywordPath, vectorPath string) (Footprint, error) {
	var fp Footprint
	var err error
	if fp.Database, err = pathSize(dbPath); err != nil {
		return fp, err
	}
	if fp.KeywordIdx, err = pathSize(keywordPath); err != nil {
		return fp, err
	}
	if fp.VectorIdx, err = pathSize(vectorPath); err != nil {
		return fp, err
	}
	fp.TotalBytes = fp.Database + fp.KeywordIdx + fp.VectorIdx
	return fp, nil
}

func pathSize(p string) (int64, error) {
	if p == "" {
		return 0, nil
	}
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if !info.IsDir() {
		return info.Size(), nil
	}
	var total int64
	err = filepath.WalkDir(p, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		total += fi.Size()
		return nil
	})
	return total, err
}
