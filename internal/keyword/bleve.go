package keyword

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/blevesearch/bleve/v2"
	keywordanalyzer "github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/analysis/lang/en"
	"github.com/blevesearch/bleve/v2/mapping"
	blevequery "github.com/blevesearch/bleve/v2/search/query"

	"github.com/hyperjump/hybridrag/internal/models"
)

const (
	// AnalyzerStandard tokenizes and lowercases without stemming.
	AnalyzerStandard = standard.Name
	// AnalyzerEnglish adds possessive removal, stop words and Porter stemming.
	AnalyzerEnglish = en.AnalyzerName
)

// indexedDoc is what bleve stores per corpus document.
type indexedDoc struct {
	Content       string `json:"content"`
	SourceDataset string `json:"source_dataset"`
}

// BleveIndex implements KeywordIndex using Bleve's BM25-style scoring over document content.
type BleveIndex struct {
	index     bleve.Index
	fuzziness int
}

// NewBleveIndex creates or opens a Bleve index at path. An existing index keeps the
// analyzer it was created with; remove the directory to re-index with a different one.
func NewBleveIndex(path string, opts Options) (*BleveIndex, error) {
	analyzer, err := resolveAnalyzer(opts.Analyzer)
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(path); err == nil {
		index, openErr := bleve.Open(path)
		if openErr != nil {
			return nil, fmt.Errorf("failed to open Bleve index: %w", openErr)
		}
		return &BleveIndex{index: index, fuzziness: opts.Fuzziness}, nil
	}

	index, err := bleve.New(path, buildMapping(analyzer))
	if err != nil {
		return nil, fmt.Errorf("failed to create Bleve index: %w", err)
	}
	return &BleveIndex{index: index, fuzziness: opts.Fuzziness}, nil
}

// NewMemBleveIndex creates an in-memory index, used by tests and one-shot runs.
func NewMemBleveIndex(opts Options) (*BleveIndex, error) {
	analyzer, err := resolveAnalyzer(opts.Analyzer)
	if err != nil {
		return nil, err
	}
	index, err := bleve.NewMemOnly(buildMapping(analyzer))
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory Bleve index: %w", err)
	}
	return &BleveIndex{index: index, fuzziness: opts.Fuzziness}, nil
}

func resolveAnalyzer(name string) (string, error) {
	switch name {
	case "", AnalyzerStandard:
		return AnalyzerStandard, nil
	case AnalyzerEnglish, "english":
		return AnalyzerEnglish, nil
	default:
		return "", fmt.Errorf("unknown keyword analyzer %q (use standard or en)", name)
	}
}

func buildMapping(analyzer string) *mapping.IndexMappingImpl {
	im := bleve.NewIndexMapping()

	docMapping := bleve.NewDocumentMapping()
	content := bleve.NewTextFieldMapping()
	content.Analyzer = analyzer
	content.Store = false
	docMapping.AddFieldMappingsAt("content", content)

	source := bleve.NewTextFieldMapping()
	source.Analyzer = keywordanalyzer.Name
	source.IncludeInAll = false
	docMapping.AddFieldMappingsAt("source_dataset", source)

	im.AddDocumentMapping("document", docMapping)
	im.DefaultType = "document"
	im.DefaultMapping = docMapping
	im.DefaultAnalyzer = analyzer
	return im
}

// IndexBatch indexes documents in one bleve batch. Re-indexing an id replaces it.
func (b *BleveIndex) IndexBatch(ctx context.Context, docs []*models.Document) error {
	if len(docs) == 0 {
		return nil
	}
	batch := b.index.NewBatch()
	for _, d := range docs {
		if err := batch.Index(d.ID, indexedDoc{Content: d.Content, SourceDataset: d.SourceDataset}); err != nil {
			return fmt.Errorf("failed to add %s to batch: %w", d.ID, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to index batch: %w", err)
	}
	return nil
}

// Search runs an OR match over content and returns up to k documents by descending
// score. Equal scores order by ascending doc id.
func (b *BleveIndex) Search(ctx context.Context, query string, k int) (models.RankedResult, error) {
	if k <= 0 || strings.TrimSpace(query) == "" {
		return models.RankedResult{}, nil
	}
	req := bleve.NewSearchRequestOptions(b.buildQuery(query), k, 0, false)
	req.SortBy([]string{"-_score", "_id"})
	results, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("Bleve search failed: %w", err)
	}
	out := make(models.RankedResult, len(results.Hits))
	for i, hit := range results.Hits {
		out[i] = models.ScoredDoc{DocID: hit.ID, Score: hit.Score}
	}
	return out, nil
}

func (b *BleveIndex) buildQuery(query string) blevequery.Query {
	mq := bleve.NewMatchQuery(query)
	mq.SetField("content")
	mq.SetOperator(blevequery.MatchQueryOperatorOr)
	if b.fuzziness > 0 {
		mq.SetFuzziness(b.fuzziness)
	}
	return mq
}

// Delete removes documents from the index.
func (b *BleveIndex) Delete(ctx context.Context, ids []string) error {
	batch := b.index.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	return b.index.Batch(batch)
}

// DocCount returns the total number of documents in the index.
func (b *BleveIndex) DocCount() (uint64, error) {
	return b.index.DocCount()
}

// Close closes the Bleve index.
func (b *BleveIndex) Close() error {
	return b.index.Close()
}
