package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hyperjump/hybridrag/internal/extract"
	"github.com/hyperjump/hybridrag/internal/fileid"
	"github.com/hyperjump/hybridrag/internal/models"
	"go.uber.org/zap"
)

// DistractorDataset is the source_dataset given to imported files when none is set.
const DistractorDataset = "distractor"

// DirectoryOptions control ImportDirectory.
type DirectoryOptions struct {
	// Extensions limits the walk to these extensions (with or without dot). Empty means
	// every extension the extractor supports.
	Extensions []string
	// SourceDataset labels the imported documents. Defaults to DistractorDataset.
	SourceDataset string
	// IDPrefix prefixes derived document ids. Defaults to fileid.DefaultPrefix.
	IDPrefix string
}

// ImportDirectory walks dir recursively, extracts text from each supported file, and
// appends the files to the corpus as non-gold documents. Ids derive from the path relative
// to dir, so re-importing the same tree updates documents in place. Files whose stored
// content is unchanged are skipped; files that yield no text are logged and skipped.
func (in *Ingester) ImportDirectory(ctx context.Context, dir string, ex *extract.Extractor, opts DirectoryOptions) (*Stats, error) {
	start := time.Now()
	if ex == nil {
		ex = extract.NewExtractor()
	}
	if opts.SourceDataset == "" {
		opts.SourceDataset = DistractorDataset
	}
	if opts.IDPrefix == "" {
		opts.IDPrefix = fileid.DefaultPrefix
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}
	info, err := os.Stat(absDir)
	if err != nil {
		return nil, fmt.Errorf("stat directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: not a directory: %s", models.ErrInvalidParameter, absDir)
	}

	var paths []string
	err = filepath.WalkDir(absDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if !ex.Supported(ext) {
			return nil
		}
		if len(opts.Extensions) > 0 && !extensionAllowed(ext, opts.Extensions) {
			return nil
		}
		// Resolve symlinks so only regular files are read
		finfo, statErr := os.Stat(path)
		if statErr != nil || !finfo.Mode().IsRegular() {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", absDir, err)
	}
	sort.Strings(paths)

	stats := &Stats{}
	docs := make([]*models.Document, 0, len(paths))
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text, err := ex.Extract(path)
		if err != nil {
			in.logger.Warn("skipping unreadable file", zap.String("path", path), zap.Error(err))
			stats.Skipped++
			continue
		}
		if text == "" {
			in.logger.Debug("skipping file without text", zap.String("path", path))
			stats.Skipped++
			continue
		}
		rel, _ := filepath.Rel(absDir, path)
		docs = append(docs, &models.Document{
			ID:            fileid.DocID(opts.IDPrefix, absDir, path),
			Content:       text,
			SourceDataset: opts.SourceDataset,
			OriginalID:    filepath.ToSlash(rel),
			IsGold:        false,
		})
	}

	fresh, unchanged, err := in.dropUnchanged(ctx, docs)
	if err != nil {
		return nil, err
	}
	stats.Skipped += unchanged
	if len(fresh) > 0 {
		added, err := in.IngestCorpus(ctx, fresh, true)
		if err != nil {
			return nil, err
		}
		stats.Documents, stats.Batches = added.Documents, added.Batches
	}
	stats.Elapsed = time.Since(start)
	in.logger.Info("directory imported",
		zap.String("dir", absDir),
		zap.Int("documents", stats.Documents),
		zap.Int("skipped", stats.Skipped))
	return stats, nil
}

// dropUnchanged removes documents whose stored copy already has the same content.
func (in *Ingester) dropUnchanged(ctx context.Context, docs []*models.Document) ([]*models.Document, int, error) {
	if len(docs) == 0 {
		return docs, 0, nil
	}
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	stored, err := in.store.GetDocuments(ctx, ids)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load existing documents: %w", err)
	}
	fresh := docs[:0:0]
	for _, d := range docs {
		if prev, ok := stored[d.ID]; ok && prev.Content == extract.Normalize(d.Content) && prev.SourceDataset == d.SourceDataset {
			continue
		}
		fresh = append(fresh, d)
	}
	return fresh, len(docs) - len(fresh), nil
}

func extensionAllowed(ext string, allowed []string) bool {
	extNorm := strings.ToLower(strings.TrimPrefix(ext, "."))
	for _, a := range allowed {
		if strings.ToLower(strings.TrimPrefix(a, ".")) == extNorm {
			return true
		}
	}
	return false
}
