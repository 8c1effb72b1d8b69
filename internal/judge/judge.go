// Package judge grades generated answers against gold answers with an LLM.
package judge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/hyperjump/hybridrag/internal/llm"
	"github.com/hyperjump/hybridrag/internal/models"
	"github.com/hyperjump/hybridrag/internal/observability"
	"github.com/hyperjump/hybridrag/internal/resilience"
)

// Judge decides whether modelAnswer is semantically consistent with goldAnswer.
// It returns the verdict and the raw model output.
type Judge interface {
	Judge(ctx context.Context, question, goldAnswer, modelAnswer string) (models.Verdict, string, error)
}

const promptTemplate = `Decide whether the "model answer" is semantically consistent with the "gold answer".

Question: %s
Gold answer: %s
Model answer: %s

Criteria:
- If the model answer contains the core information of the gold answer and has no obvious errors, answer "Pass".
- If the model answer disagrees with the gold answer, contains errors, or is unrelated, answer "Fail".

Answer only "Pass" or "Fail" with no other text.`

// Prompt renders the judge prompt.
func Prompt(question, goldAnswer, modelAnswer string) string {
	return fmt.Sprintf(promptTemplate, question, goldAnswer, modelAnswer)
}

// LLMJudge asks a chat model for a Pass/Fail label.
type LLMJudge struct {
	completer llm.Completer
	executor  *resilience.Executor
	metrics   *observability.Metrics
	logger    *zap.Logger
}

// Option configures an LLMJudge.
type Option func(*LLMJudge)

// WithLogger sets the judge logger.
func WithLogger(l *zap.Logger) Option {
	return func(j *LLMJudge) {
		if l != nil {
			j.logger = l
		}
	}
}

// WithExecutor retries failed model calls.
func WithExecutor(x *resilience.Executor) Option {
	return func(j *LLMJudge) { j.executor = x }
}

// WithMetrics counts verdicts.
func WithMetrics(m *observability.Metrics) Option {
	return func(j *LLMJudge) { j.metrics = m }
}

// NewLLMJudge creates a judge backed by completer.
func NewLLMJudge(completer llm.Completer, opts ...Option) *LLMJudge {
	j := &LLMJudge{completer: completer, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Judge implements Judge. Call failures and unparseable replies return an error
// wrapping models.ErrJudgmentUnavailable together with models.VerdictUnjudged.
func (j *LLMJudge) Judge(ctx context.Context, question, goldAnswer, modelAnswer string) (models.Verdict, string, error) {
	req := llm.Request{
		Prompt:      Prompt(question, goldAnswer, modelAnswer),
		Temperature: 0,
		MaxTokens:   10,
	}
	var raw string
	call := func(ctx context.Context) error {
		out, err := j.completer.Complete(ctx, req)
		if err != nil {
			return err
		}
		raw = out
		return nil
	}

	var err error
	if j.executor != nil {
		err = j.executor.Do(ctx, "llm.judge", call, nil)
	} else {
		err = call(ctx)
	}
	if err != nil {
		j.metrics.JudgeVerdict(string(models.VerdictUnjudged))
		return models.VerdictUnjudged, "", models.WrapError(models.ErrJudgmentUnavailable, "judge", err)
	}

	verdict, err := ParseVerdict(raw)
	j.metrics.JudgeVerdict(string(verdict))
	if err != nil {
		j.logger.Warn("unparseable judge reply", zap.String("raw", raw))
		return verdict, raw, err
	}
	return verdict, raw, nil
}

var errNoVerdict = errors.New("reply is neither Pass nor Fail")

// ParseVerdict maps a model reply to a verdict. Matching ignores case, surrounding
// quotes, and trailing punctuation.
func ParseVerdict(raw string) (models.Verdict, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.Trim(s, "\"'`*.! \t\n")
	switch s {
	case "pass":
		return models.VerdictPass, nil
	case "fail":
		return models.VerdictFail, nil
	default:
		return models.VerdictUnjudged, fmt.Errorf("%w: %w: %q", models.ErrJudgmentUnavailable, errNoVerdict, raw)
	}
}
