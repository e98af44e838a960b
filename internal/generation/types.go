// Package generation turns requirement documents into test cases with a
// two-pass, budget-bounded LLM pipeline: a draft pass over retrieved
// document context and knowledge snippets, then a best-effort review pass
// that never loses the draft.
package generation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Echoxiawan/KBaseCase/internal/knowledge"
)

// FileType is the format a document was extracted from. The pipeline only
// sees extracted text; the type is carried for diagnostics.
type FileType string

const (
	FileTypePDF      FileType = "pdf"
	FileTypeDOCX     FileType = "docx"
	FileTypeMarkdown FileType = "md"
	FileTypeText     FileType = "txt"
)

// Valid reports whether t is a known type. Empty is accepted.
func (t FileType) Valid() bool {
	switch t {
	case "", FileTypePDF, FileTypeDOCX, FileTypeMarkdown, FileTypeText:
		return true
	}
	return false
}

// Document is one extracted requirement document.
type Document struct {
	Name     string   `json:"name"`
	Text     string   `json:"text"`
	FileType FileType `json:"file_type,omitempty"`
}

// Request is the input of one pipeline run.
type Request struct {
	// Documents are concatenated with "--- File: <name> ---" separators.
	Documents []Document
	// Text is used when Documents is empty.
	Text string
	// CaseCount is the target number of cases; <= 0 uses the configured
	// default.
	CaseCount int
	// Snippets, when non-nil, replace the knowledge-base lookup.
	Snippets []knowledge.Snippet
	// KnowledgeQuery overrides the summary-derived knowledge query.
	KnowledgeQuery string
}

// DocumentText returns the text the pipeline works on.
func (r Request) DocumentText() string {
	if len(r.Documents) == 0 {
		return r.Text
	}
	var b strings.Builder
	for i, d := range r.Documents {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "--- File: %s ---\n\n%s", d.Name, d.Text)
	}
	return b.String()
}

// Stage names the pass that produced a result's cases.
type Stage string

const (
	StageDraft    Stage = "draft"
	StageReviewed Stage = "reviewed"
)

// Result is the outcome of Service.Generate. Err is set when the pipeline
// failed; Cases is then empty.
type Result struct {
	RunID          string         `json:"run_id"`
	Cases          []TestCase     `json:"cases"`
	Stage          Stage          `json:"stage,omitempty"`
	ReviewFallback string         `json:"review_fallback,omitempty"`
	Warnings       []string       `json:"warnings,omitempty"`
	Err            *PipelineError `json:"-"`
}

// TestCase is one generated test case.
type TestCase struct {
	Title           string `json:"title"`
	Description     string `json:"description"`
	Preconditions   string `json:"preconditions"`
	Steps           string `json:"steps"`
	ExpectedResults string `json:"expected_results"`
}

// UnmarshalJSON accepts any text field as a string, an array of strings
// (joined with newlines) or null.
func (tc *TestCase) UnmarshalJSON(data []byte) error {
	var raw struct {
		Title           lines `json:"title"`
		Description     lines `json:"description"`
		Preconditions   lines `json:"preconditions"`
		Steps           lines `json:"steps"`
		ExpectedResults lines `json:"expected_results"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*tc = TestCase{
		Title:           string(raw.Title),
		Description:     string(raw.Description),
		Preconditions:   string(raw.Preconditions),
		Steps:           string(raw.Steps),
		ExpectedResults: string(raw.ExpectedResults),
	}
	return nil
}

type lines string

func (l *lines) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*l = ""
		return nil
	case len(data) > 0 && data[0] == '[':
		var parts []string
		if err := json.Unmarshal(data, &parts); err != nil {
			return err
		}
		*l = lines(strings.Join(parts, "\n"))
		return nil
	default:
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*l = lines(s)
		return nil
	}
}

// marshalCases renders cases as indented JSON without HTML escaping, the
// form the review prompt embeds.
func marshalCases(cases []TestCase) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(cases); err != nil {
		return "", err
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}
