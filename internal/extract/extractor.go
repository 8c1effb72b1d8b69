// Package extract turns document files into plain text for distractor import.
package extract

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type extractFunc func(content []byte) (string, error)

// Extractor extracts plain text from document files by extension.
type Extractor struct {
	formats map[string]extractFunc
}

// NewExtractor returns an Extractor for text, Markdown, PDF, Office Open XML,
// OpenDocument, and Excel files.
func NewExtractor() *Extractor {
	return &Extractor{formats: map[string]extractFunc{
		".txt":  extractPlain,
		".md":   extractPlain,
		".rst":  extractPlain,
		".json": extractPlain,
		".pdf":  extractPDF,
		".docx": extractDOCX,
		".pptx": extractPPTX,
		".odt":  extractODF,
		".odp":  extractODF,
		".ods":  extractODF,
		".xlsx": extractXLSX,
	}}
}

// Supported reports whether ext (with leading dot, any case) has a dedicated extractor.
func (e *Extractor) Supported(ext string) bool {
	_, ok := e.formats[strings.ToLower(ext)]
	return ok
}

// Extensions returns the supported extensions in sorted order.
func (e *Extractor) Extensions() []string {
	out := make([]string, 0, len(e.formats))
	for ext := range e.formats {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// Extract reads the file at path and returns its text with whitespace collapsed.
func (e *Extractor) Extract(path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	return e.ExtractBytes(content, filepath.Ext(path))
}

// ExtractBytes extracts text from content according to ext. Unknown extensions are read as plain text.
func (e *Extractor) ExtractBytes(content []byte, ext string) (string, error) {
	fn, ok := e.formats[strings.ToLower(ext)]
	if !ok {
		fn = extractPlain
	}
	text, err := fn(content)
	if err != nil {
		return "", err
	}
	return Normalize(text), nil
}

// Normalize trims text and collapses every whitespace run to one space.
func Normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
