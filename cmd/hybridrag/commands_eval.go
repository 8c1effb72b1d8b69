package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hyperjump/hybridrag/internal/batch"
	"github.com/hyperjump/hybridrag/internal/cli"
	"github.com/hyperjump/hybridrag/internal/config"
	"github.com/hyperjump/hybridrag/internal/evaluation"
	"github.com/hyperjump/hybridrag/internal/generation"
	"github.com/hyperjump/hybridrag/internal/judge"
	"github.com/hyperjump/hybridrag/internal/llm"
	"github.com/hyperjump/hybridrag/internal/models"
	"github.com/hyperjump/hybridrag/internal/resilience"
	"github.com/hyperjump/hybridrag/internal/storage"
	"github.com/hyperjump/hybridrag/internal/watcher"
)

// =============================================================================
// run
// =============================================================================

type runOptions struct {
	queries  string
	mode     string
	topK     int
	out      string
	resume   bool
	generate bool
	workers  int
	rate     float64
	output   string
}

func buildRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run every labeled query through the retrieval engine and save the batch",
		Long: `Run every labeled query through the retrieval engine and save the batch.
A failing query is recorded as failed and the run continues. With --resume the
successful records of an existing --out file are kept and only the rest are retried.
The existing file must have been run with the same mode, top-k, rrf_k and fan-out.
With --generate, kept records that have no generated answer are retried too.

Examples:
  hybridrag run --mode hybrid --top-k 5 --out results/hybrid.json
  hybridrag run --mode vector --out results/vector.json --resume
  hybridrag run --generate --out results/answers.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.queries, "queries", "", "queries JSON file (default: the ingested queries)")
	cmd.Flags().StringVarP(&opts.mode, "mode", "m", string(models.ModeHybrid), "retrieval mode: vector, keyword, or hybrid")
	cmd.Flags().IntVarP(&opts.topK, "top-k", "k", 0, "results per query (default from config)")
	cmd.Flags().StringVar(&opts.out, "out", "", "batch output file (default: <output_dir>/batch_<mode>_<time>.json)")
	cmd.Flags().BoolVar(&opts.resume, "resume", false, "keep successful records from an existing --out file")
	cmd.Flags().BoolVar(&opts.generate, "generate", false, "generate an answer for each query from its retrieved documents")
	cmd.Flags().IntVar(&opts.workers, "workers", 0, "concurrent queries (default from config)")
	cmd.Flags().Float64Var(&opts.rate, "rate", 0, "maximum queries per second, 0 for unlimited (default from config)")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "text", "summary format: text, compact, or json")
	return cmd
}

func runBatch(cmd *cobra.Command, opts runOptions) error {
	format, err := cli.ParseFormat(opts.output)
	if err != nil {
		return err
	}
	mode, err := models.ParseMode(opts.mode)
	if err != nil {
		return err
	}
	if opts.resume && opts.out == "" {
		return fmt.Errorf("%w: --resume requires --out", models.ErrInvalidParameter)
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

	var queries []*models.Query
	if opts.queries != "" {
		queries, err = batch.LoadQueries(opts.queries)
	} else {
		queries, err = components.Storage.ListQueries(ctx)
	}
	if err != nil {
		return fmt.Errorf("failed to load queries: %w", err)
	}
	if len(queries) == 0 {
		return fmt.Errorf("no queries to run: ingest queries or pass --queries")
	}

	topK := firstPositive(opts.topK, cfg.Retrieval.TopK)
	out := opts.out
	if out == "" {
		out = filepath.Join(cfg.Evaluation.OutputDir, fmt.Sprintf("batch_%s_%s.json", mode, time.Now().UTC().Format("20060102T150405")))
	}

	runOpts := batch.Options{
		Mode:          mode,
		TopK:          topK,
		Workers:       firstPositive(opts.workers, cfg.Evaluation.Workers),
		RatePerSecond: cfg.Evaluation.RatePerSecond,
		QueryTimeout:  cfg.Evaluation.QueryTimeout,
		RRFK:          cfg.Retrieval.RRFK,
		Fanout:        components.Engine.Fanout(topK),
		QueriesFile:   opts.queries,
	}
	if opts.rate > 0 {
		runOpts.RatePerSecond = opts.rate
	}
	if opts.resume {
		prior, err := batch.LoadBatch(out)
		switch {
		case err == nil:
			runOpts.Resume = prior
		case errors.Is(err, os.ErrNotExist):
			logger.Info("nothing to resume, starting a fresh run", zap.String("out", out))
		default:
			return fmt.Errorf("failed to load batch for resume: %w", err)
		}
	}

	runnerOpts := []batch.Option{
		batch.WithLogger(logger),
		batch.WithMetrics(components.Metrics),
		batch.WithProgress(progressLogger(logger, "run progress")),
	}
	if opts.generate || cfg.Evaluation.GenerateAnswer {
		completer, err := llm.New(cfg.LLM, cfg.LLM.GenerationModel)
		if err != nil {
			return fmt.Errorf("failed to initialize generation model: %w", err)
		}
		gen := generation.NewGenerator(completer, cfg.Evaluation.MaxContexts, components.Executor)
		runnerOpts = append(runnerOpts, batch.WithGenerator(components.Storage, gen))
	}

	b, runErr := batch.NewRunner(components.Engine, runnerOpts...).Run(ctx, queries, runOpts)
	if b == nil {
		return fmt.Errorf("batch run failed: %w", runErr)
	}
	if err := batch.SaveBatch(out, b); err != nil {
		return fmt.Errorf("failed to save batch: %w", err)
	}
	if err := cli.WriteBatchSummary(cmd.OutOrStdout(), b, format); err != nil {
		return err
	}
	if format == cli.OutputText {
		fmt.Fprintf(cmd.OutOrStdout(), "Batch written to %s\n", out)
	}
	if runErr != nil {
		return fmt.Errorf("batch run interrupted (partial batch saved to %s): %w", out, runErr)
	}
	return nil
}

// progressLogger logs every tenth of the way through a run.
func progressLogger(logger *zap.Logger, msg string) func(done, total int) {
	return func(done, total int) {
		step := total / 10
		if step == 0 {
			step = 1
		}
		if done%step == 0 || done == total {
			logger.Info(msg, zap.Int("done", done), zap.Int("total", total))
		}
	}
}

func firstPositive(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

// =============================================================================
// metrics
// =============================================================================

type metricsOptions struct {
	batch    string
	groupBy  string
	groups   []string
	cutoffs  []int
	perQuery bool
	xlsx     string
	report   string
	watch    bool
	output   string
}

func buildMetricsCmd() *cobra.Command {
	var opts metricsOptions
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Score a batch file: Hit Rate, Partial Hit Rate, and MRR",
		Long: `Score a batch file against the ingested gold labels: Hit Rate, Partial Hit
Rate, and MRR, overall and per group. With --watch the batch is re-scored every
time the file changes.

Examples:
  hybridrag metrics --batch results/hybrid.json
  hybridrag metrics --batch results/hybrid.json --group-by source_dataset --cutoffs 1,3,5
  hybridrag metrics --batch results/hybrid.json --xlsx report.xlsx --per-query
  hybridrag metrics --batch results/hybrid.json --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMetrics(cmd, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.batch, "batch", "b", "", "batch file to score")
	cmd.Flags().StringVar(&opts.groupBy, "group-by", "", "group key: source_dataset or question_type")
	cmd.Flags().StringSliceVar(&opts.groups, "groups", nil, "groups to report even when they have no queries")
	cmd.Flags().IntSliceVar(&opts.cutoffs, "cutoffs", nil, "extra rank cutoffs to score, e.g. 1,3,5 (default from config)")
	cmd.Flags().BoolVar(&opts.perQuery, "per-query", false, "include one row per query")
	cmd.Flags().StringVar(&opts.xlsx, "xlsx", "", "also export the report to this spreadsheet")
	cmd.Flags().StringVar(&opts.report, "report", "", "also write the JSON report to this file")
	cmd.Flags().BoolVarP(&opts.watch, "watch", "w", false, "re-score whenever the batch file changes")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "text", "output format: text, compact, or json")
	cobra.CheckErr(cmd.MarkFlagRequired("batch"))
	return cmd
}

func runMetrics(cmd *cobra.Command, opts metricsOptions) error {
	format, err := cli.ParseFormat(opts.output)
	if err != nil {
		return err
	}
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx := cmd.Context()
	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	evalOpts := evaluation.Options{
		GroupBy:         opts.groupBy,
		Groups:          opts.groups,
		Cutoffs:         opts.cutoffs,
		IncludePerQuery: opts.perQuery || opts.xlsx != "",
	}
	if len(evalOpts.Cutoffs) == 0 {
		evalOpts.Cutoffs = cfg.Evaluation.Cutoffs
	}
	out := cmd.OutOrStdout()
	score := func() error {
		report, err := scoreBatch(ctx, store, opts.batch, evalOpts)
		if err != nil {
			return err
		}
		if err := evaluation.MissingErr(report); err != nil {
			logger.Warn("records left out of the metrics", zap.Error(err))
		}
		return emitMetrics(out, report, format, opts)
	}

	if err := score(); err != nil {
		return err
	}
	if !opts.watch {
		return nil
	}
	return watchBatch(ctx, opts.batch, logger, out, score)
}

// scoreBatch loads a batch file and scores it against the stored queries.
func scoreBatch(ctx context.Context, store storage.Store, path string, opts evaluation.Options) (*models.MetricsReport, error) {
	b, err := batch.LoadBatch(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch: %w", err)
	}
	queries, err := store.ListQueries(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load queries: %w", err)
	}
	report, err := evaluation.ComputeMetrics(b.Records, models.QueryIndex(queries), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to compute metrics: %w", err)
	}
	return report, nil
}

func emitMetrics(w io.Writer, report *models.MetricsReport, format cli.OutputFormat, opts metricsOptions) error {
	if opts.xlsx != "" {
		if err := cli.ExportMetricsXLSX(opts.xlsx, report); err != nil {
			return fmt.Errorf("failed to export spreadsheet: %w", err)
		}
	}
	if !opts.perQuery {
		report.PerQuery = nil
	}
	if opts.report != "" {
		if err := batch.WriteJSON(opts.report, report); err != nil {
			return fmt.Errorf("failed to write report: %w", err)
		}
	}
	return cli.WriteMetrics(w, report, format)
}

// watchBatch re-runs score whenever path changes until ctx is done. Scoring errors are
// printed and the watch continues.
func watchBatch(ctx context.Context, path string, logger *zap.Logger, out io.Writer, score func() error) error {
	var mu sync.Mutex
	w := watcher.NewWatcher([]string{path}, func(changed string) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(out, "\n# %s changed at %s\n", changed, time.Now().Format(time.TimeOnly))
		if err := score(); err != nil {
			logger.Warn("re-score failed", zap.String("path", changed), zap.Error(err))
		}
	}, watcher.WithLogger(logger))
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}
	defer w.Stop()
	logger.Info("watching batch file, press Ctrl+C to stop", zap.String("path", path))
	<-ctx.Done()
	return nil
}

// =============================================================================
// judge
// =============================================================================

type judgeOptions struct {
	batch   string
	out     string
	xlsx    string
	model   string
	groupBy string
	workers int
	output  string
}

func buildJudgeCmd() *cobra.Command {
	var opts judgeOptions
	cmd := &cobra.Command{
		Use:   "judge",
		Short: "Grade the generated answers of a batch with an LLM judge",
		Long: `Grade every generated answer of a batch (see run --generate) against the gold
answer with an LLM judge and report the pass rate. Failed judge calls are
recorded as unjudged and excluded from the rate.

Examples:
  hybridrag judge --batch results/answers.json
  hybridrag judge --batch results/answers.json --group-by question_type --xlsx judged.xlsx`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJudge(cmd, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.batch, "batch", "b", "", "batch file with generated answers")
	cmd.Flags().StringVar(&opts.out, "out", "", "judgment output file (default: <batch>_judged.json)")
	cmd.Flags().StringVar(&opts.xlsx, "xlsx", "", "also export judgments to this spreadsheet")
	cmd.Flags().StringVar(&opts.model, "model", "", "judge model (default from config)")
	cmd.Flags().StringVar(&opts.groupBy, "group-by", "", "group key: source_dataset or question_type")
	cmd.Flags().IntVar(&opts.workers, "workers", 0, "concurrent judge calls (default from config)")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "text", "output format: text, compact, or json")
	cobra.CheckErr(cmd.MarkFlagRequired("batch"))
	return cmd
}

func runJudge(cmd *cobra.Command, opts judgeOptions) error {
	format, err := cli.ParseFormat(opts.output)
	if err != nil {
		return err
	}
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx := cmd.Context()
	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	b, err := batch.LoadBatch(opts.batch)
	if err != nil {
		return fmt.Errorf("failed to load batch: %w", err)
	}
	stored, err := store.ListQueries(ctx)
	if err != nil {
		return fmt.Errorf("failed to load queries: %w", err)
	}
	queries := models.QueryIndex(stored)
	items, missing, orphans := judge.ItemsFromBatch(b, queries)
	if len(orphans) > 0 {
		logger.Warn("records reference unknown question ids and are not judged",
			zap.Int("count", len(orphans)), zap.Strings("question_ids", truncateIDs(orphans, 10)))
	}
	if len(missing) > 0 {
		logger.Warn("records without a generated answer are not judged",
			zap.Int("count", len(missing)), zap.Strings("question_ids", truncateIDs(missing, 10)))
	}
	if len(items) == 0 {
		return fmt.Errorf("no generated answers in %s: run with --generate first", opts.batch)
	}

	model := opts.model
	if model == "" {
		model = cfg.LLM.JudgeModel
	}
	j, err := newJudge(cfg, model, logger)
	if err != nil {
		return err
	}
	judgments := judge.Run(ctx, j, items, firstPositive(opts.workers, cfg.Evaluation.JudgeWorkers))

	stats, err := evaluation.ComputePassRate(judgments, queries, opts.groupBy)
	if err != nil {
		return err
	}
	jf := &models.JudgmentFile{Model: model, BatchFile: opts.batch, Statistics: *stats, Judgments: judgments}

	out := opts.out
	if out == "" {
		out = strings.TrimSuffix(opts.batch, filepath.Ext(opts.batch)) + "_judged.json"
	}
	if err := batch.WriteJSON(out, jf); err != nil {
		return fmt.Errorf("failed to save judgments: %w", err)
	}
	if opts.xlsx != "" {
		if err := cli.ExportJudgmentsXLSX(opts.xlsx, jf); err != nil {
			return fmt.Errorf("failed to export spreadsheet: %w", err)
		}
	}
	if err := cli.WritePassRate(cmd.OutOrStdout(), stats, model, format); err != nil {
		return err
	}
	if format == cli.OutputText {
		fmt.Fprintf(cmd.OutOrStdout(), "Judgments written to %s\n", out)
	}
	return ctx.Err()
}

func newJudge(cfg *config.Config, model string, logger *zap.Logger) (*judge.LLMJudge, error) {
	completer, err := llm.New(cfg.LLM, model)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize judge model: %w", err)
	}
	executor := resilience.NewExecutor(resilience.PolicyFromConfig(cfg.Resilience), resilience.WithLogger(logger))
	return judge.NewLLMJudge(completer, judge.WithLogger(logger), judge.WithExecutor(executor)), nil
}

func truncateIDs(ids []string, n int) []string {
	if len(ids) <= n {
		return ids
	}
	return ids[:n]
}
