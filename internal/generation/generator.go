// Package generation produces answers from retrieved contexts for the judge.
package generation

import (
	"context"
	"fmt"
	"strings"

	"github.com/hyperjump/hybridrag/internal/llm"
	"github.com/hyperjump/hybridrag/internal/models"
	"github.com/hyperjump/hybridrag/internal/resilience"
)

// NoAnswer is the reply the model is told to give when the contexts do not cover the question.
const NoAnswer = "The provided information is not sufficient to answer this question."

const systemPrompt = "You are a helpful assistant that answers questions using only the provided references."

// Generator answers a question from retrieved documents.
type Generator struct {
	completer   llm.Completer
	executor    *resilience.Executor
	maxContexts int
}

// NewGenerator creates a generator that uses at most maxContexts documents per answer.
func NewGenerator(completer llm.Completer, maxContexts int, executor *resilience.Executor) *Generator {
	if maxContexts <= 0 {
		maxContexts = 5
	}
	return &Generator{completer: completer, executor: executor, maxContexts: maxContexts}
}

// Prompt renders the user prompt for question over contexts.
func (g *Generator) Prompt(question string, contexts []*models.Document) string {
	var sb strings.Builder
	sb.WriteString("Answer the user's question using the references below.\n")
	fmt.Fprintf(&sb, "If the references are not sufficient, reply exactly: %q. Do not invent facts.\n\n", NoAnswer)
	sb.WriteString("References:\n")
	for i, doc := range contexts {
		if i == g.maxContexts {
			break
		}
		source := doc.SourceDataset
		if source == "" {
			source = "unknown"
		}
		fmt.Fprintf(&sb, "[%d] (source: %s):\n%s\n\n", i+1, source, doc.Content)
	}
	sb.WriteString("Question:\n")
	sb.WriteString(question)
	sb.WriteString("\n\nAnswer:")
	return sb.String()
}

// Generate returns the model's answer.
func (g *Generator) Generate(ctx context.Context, question string, contexts []*models.Document) (string, error) {
	req := llm.Request{
		System:      systemPrompt,
		Prompt:      g.Prompt(question, contexts),
		Temperature: 0,
	}
	var answer string
	call := func(ctx context.Context) error {
		out, err := g.completer.Complete(ctx, req)
		if err != nil {
			return err
		}
		answer = out
		return nil
	}
	var err error
	if g.executor != nil {
		err = g.executor.Do(ctx, "llm.generate", call, nil)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return "", fmt.Errorf("failed to generate answer: %w", err)
	}
	return answer, nil
}
