package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hyperjump/hybridrag/internal/batch"
	"github.com/hyperjump/hybridrag/internal/cli"
	"github.com/hyperjump/hybridrag/internal/extract"
	"github.com/hyperjump/hybridrag/internal/ingest"
	"github.com/hyperjump/hybridrag/internal/models"
	"github.com/hyperjump/hybridrag/internal/server"
)

// =============================================================================
// ingest
// =============================================================================

type ingestOptions struct {
	corpus     string
	queries    string
	dir        string
	dataset    string
	extensions []string
	appendMode bool
	batchSize  int
}

func buildIngestCmd() *cobra.Command {
	var opts ingestOptions
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Load a corpus, labeled queries, or a directory of distractor files",
		Long: `Load corpus.json and queries.json into the store and build the vector and
keyword indices. Without --append the existing documents (or queries) are replaced.

Examples:
  hybridrag ingest --corpus data/corpus.json --queries data/queries.json
  hybridrag ingest --dir ./noise --dataset distractor --ext .pdf,.txt`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.corpus, "corpus", "", "corpus JSON file")
	cmd.Flags().StringVar(&opts.queries, "queries", "", "queries JSON file")
	cmd.Flags().StringVar(&opts.dir, "dir", "", "directory of files to import as non-gold documents")
	cmd.Flags().StringVar(&opts.dataset, "dataset", ingest.DistractorDataset, "source dataset recorded for --dir documents")
	cmd.Flags().StringSliceVar(&opts.extensions, "ext", nil, "extensions to import from --dir (default: every supported type)")
	cmd.Flags().BoolVar(&opts.appendMode, "append", false, "add to the existing corpus and queries instead of replacing them")
	cmd.Flags().IntVar(&opts.batchSize, "batch-size", 0, "documents per embedding batch (default from config)")
	return cmd
}

func runIngest(cmd *cobra.Command, opts ingestOptions) error {
	if opts.corpus == "" && opts.queries == "" && opts.dir == "" {
		return fmt.Errorf("nothing to ingest: pass --corpus, --queries, or --dir")
	}
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx := cmd.Context()
	components, err := initializeComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer components.Close()

	var ingestOpts []ingest.Option
	if opts.batchSize > 0 {
		ingestOpts = append(ingestOpts, ingest.WithBatchSize(opts.batchSize))
	}
	ingestOpts = append(ingestOpts, ingest.WithProgress(func(done, total int) {
		logger.Debug("ingest progress", zap.Int("done", done), zap.Int("total", total))
	}))
	in := components.Ingester(ingestOpts...)
	out := cmd.OutOrStdout()

	if opts.corpus != "" {
		docs, err := batch.LoadCorpus(opts.corpus)
		if err != nil {
			return fmt.Errorf("failed to load corpus: %w", err)
		}
		stats, err := in.IngestCorpus(ctx, docs, opts.appendMode)
		if saveErr := components.SaveVectors(); saveErr != nil && err == nil {
			err = saveErr
		}
		if err != nil {
			return fmt.Errorf("failed to ingest corpus: %w", err)
		}
		fmt.Fprintf(out, "Ingested %d documents (%d gold) in %d batches (%s)\n",
			stats.Documents, stats.Gold, stats.Batches, stats.Elapsed.Round(time.Millisecond))
	}

	if opts.dir != "" {
		stats, err := in.ImportDirectory(ctx, opts.dir, extract.NewExtractor(), ingest.DirectoryOptions{
			Extensions:    opts.extensions,
			SourceDataset: opts.dataset,
		})
		if saveErr := components.SaveVectors(); saveErr != nil && err == nil {
			err = saveErr
		}
		if err != nil {
			return fmt.Errorf("failed to import directory: %w", err)
		}
		fmt.Fprintf(out, "Imported %d documents from %s (%d skipped)\n", stats.Documents, opts.dir, stats.Skipped)
	}

	if opts.queries != "" {
		queries, err := batch.LoadQueries(opts.queries)
		if err != nil {
			return fmt.Errorf("failed to load queries: %w", err)
		}
		n, err := in.IngestQueries(ctx, queries, opts.appendMode)
		if err != nil {
			return fmt.Errorf("failed to ingest queries: %w", err)
		}
		fmt.Fprintf(out, "Ingested %d queries\n", n)
	}
	return nil
}

// =============================================================================
// search
// =============================================================================

type searchOptions struct {
	mode      string
	topK      int
	output    string
	serverURL string
	documents bool
	explain   bool
}

func buildSearchCmd() *cobra.Command {
	var opts searchOptions
	cmd := &cobra.Command{
		Use:   "search [flags] <query>",
		Short: "Retrieve documents for one query",
		Long: `Retrieve documents for one query. The query is all arguments joined by spaces,
so multi-word queries work with or without quotes.

Examples:
  hybridrag search where is the eiffel tower
  hybridrag search --mode keyword --top-k 10 "mount fuji"
  hybridrag search --explain --output json "mount fuji"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd, buildSearchQuery(args), opts)
		},
	}
	cmd.Flags().StringVarP(&opts.mode, "mode", "m", string(models.ModeHybrid), "retrieval mode: vector, keyword, or hybrid")
	cmd.Flags().IntVarP(&opts.topK, "top-k", "k", 0, "number of results (default from config)")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "text", "output format: text, compact, or json")
	cmd.Flags().StringVar(&opts.serverURL, "server", "", "server URL; when set the query goes through the HTTP API")
	cmd.Flags().BoolVar(&opts.documents, "documents", true, "load document content for the results")
	cmd.Flags().BoolVar(&opts.explain, "explain", false, "print both source lists and the fused ranks (hybrid only, json)")
	return cmd
}

// buildSearchQuery joins all positional args with spaces so multi-word queries
// work the same with or without shell quoting.
func buildSearchQuery(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

func runSearch(cmd *cobra.Command, query string, opts searchOptions) error {
	format, err := cli.ParseFormat(opts.output)
	if err != nil {
		return err
	}
	mode, err := models.ParseMode(opts.mode)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if opts.serverURL != "" {
		resp, err := retrieveViaHTTP(cmd.Context(), opts.serverURL, models.RetrieveRequest{Query: query, Mode: string(mode), TopK: opts.topK}, opts.documents)
		if err != nil {
			return fmt.Errorf("search failed: %w", err)
		}
		docs := make(map[string]*models.Document, len(resp.Documents))
		for _, d := range resp.Documents {
			docs[d.ID] = d
		}
		return cli.WriteRetrieval(out, resp.Retrieval, docs, format)
	}

	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx := cmd.Context()
	components, err := initializeComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer components.Close()

	topK := opts.topK
	if topK == 0 {
		topK = cfg.Retrieval.TopK
	}
	if opts.explain {
		exp, err := components.Engine.Explain(ctx, query, topK)
		if err != nil {
			return fmt.Errorf("search failed: %w", err)
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(exp)
	}

	ret, err := components.Engine.Retrieve(ctx, query, mode, topK)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}
	var docs map[string]*models.Document
	if opts.documents && len(ret.Results) > 0 {
		docs, err = components.Storage.GetDocuments(ctx, ret.Results.IDs())
		if err != nil {
			return fmt.Errorf("failed to load documents: %w", err)
		}
	}
	return cli.WriteRetrieval(out, ret, docs, format)
}

func retrieveViaHTTP(ctx context.Context, serverURL string, req models.RetrieveRequest, withDocs bool) (*server.RetrieveResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	endpoint := strings.TrimRight(serverURL, "/") + "/api/v1/retrieve"
	if withDocs {
		endpoint += "?documents=true"
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var out server.RetrieveResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

// =============================================================================
// status
// =============================================================================

func buildStatusCmd() *cobra.Command {
	var serverURL, output string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show corpus, query, and index status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, serverURL, output)
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "", "server URL; when empty the store is opened directly")
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format: text or json")
	return cmd
}

func runStatus(cmd *cobra.Command, serverURL, output string) error {
	if output != "text" && output != "json" {
		return fmt.Errorf("%w: unknown output format %q (use text or json)", models.ErrInvalidParameter, output)
	}
	var status *server.StatusResponse
	if serverURL != "" {
		s, err := statusViaHTTP(cmd.Context(), serverURL)
		if err != nil {
			return fmt.Errorf("status failed: %w", err)
		}
		status = s
	} else {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer logger.Sync()
		components, err := initializeComponents(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer components.Close()
		srv := server.NewServer(components.Engine, components.Storage, cfg,
			server.WithIndexes(components.Vectors, components.Keywords))
		status, err = srv.Status(cmd.Context())
		if err != nil {
			return fmt.Errorf("status failed: %w", err)
		}
	}
	return writeStatus(cmd.OutOrStdout(), status, output)
}

func writeStatus(w io.Writer, status *server.StatusResponse, output string) error {
	if output == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}
	fmt.Fprintf(w, "documents:          %d   # corpus documents\n", status.Documents)
	fmt.Fprintf(w, "queries:            %d   # labeled queries\n", status.Queries)
	fmt.Fprintf(w, "vector_index_size:  %d   # vectors in the semantic index\n", status.VectorIndexSize)
	fmt.Fprintf(w, "keyword_doc_count:  %d   # documents in the keyword index\n", status.KeywordDocCount)
	if status.DiskUsage != nil {
		fmt.Fprintf(w, "disk_usage_bytes:   %d   # storage + indices on disk\n", status.DiskUsage.TotalBytes)
	}
	if len(status.Config) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "# configuration")
		keys := make([]string, 0, len(status.Config))
		for k := range status.Config {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "%-20s %v\n", k+":", status.Config[k])
		}
	}
	return nil
}

func statusViaHTTP(ctx context.Context, serverURL string) (*server.StatusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(serverURL, "/")+"/api/v1/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var s server.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &s, nil
}
