package generation

import (
	"fmt"
	"strings"

	"github.com/Echoxiawan/KBaseCase/internal/knowledge"
	"github.com/Echoxiawan/KBaseCase/internal/textsplit"
)

const (
	// summaryInputChars bounds the document text sent for summarisation.
	summaryInputChars = 5000
	// summaryQueryChars is the document prefix used as the short-document
	// assembler query.
	summaryQueryChars = 300
	summaryQueryPrefix = "Requirement document summary: "
)

const caseFormat = `Return the test cases as a JSON array in this format:
[
  {
    "title": "test case title",
    "description": "what the test verifies",
    "preconditions": "conditions that must hold before the test",
    "steps": "1. step one\n2. step two\n3. step three",
    "expected_results": "1. expected result one\n2. expected result two\n3. expected result three"
  },
  ...
]`

const draftPreamble = `You are a professional test engineer who writes high quality test cases from requirement documents.
Write comprehensive test cases for the requirement document below. Each test case contains:
1. Title (short and clear)
2. Description (the purpose of the test)
3. Preconditions (what must hold before the test runs)
4. Steps (detailed steps, one per line, numbered)
5. Expected results (the expected result of each step)

Write about %d test cases covering every important function and scenario of the document. Do not write fewer than %d unless the document cannot support that many.

Requirement document:
`

const reviewPreamble = `You are a senior test expert and software reviewer performing a strict review of test cases.
A preliminary set of test cases was generated from a requirement document. Review it thoroughly, fill the gaps and make sure every important scenario is covered.

Pay particular attention to:
1. Functional completeness: every feature and business flow is tested
2. Boundary conditions: edge cases and error cases are considered
3. Data validation: inputs and outputs are verified
4. User scenarios: every user interaction is covered
5. Security: necessary security tests are present
6. Clarity and executability of the steps
7. Precision and verifiability of the expected results

The final set should contain no fewer than %d test cases unless the document cannot support that many.
If the preliminary set has fewer than %d cases, add new ones to reach that number.

Preliminary test cases:
%s

Requirement document:
%s
`

const reviewInstructions = `Review the preliminary test cases and return the complete improved set. You may:
1. Keep good test cases unchanged
2. Improve incomplete test cases
3. Add test cases for missed scenarios
4. Remove unnecessary or duplicate test cases

`

const summaryPrompt = `Write a concise summary of the document below in no more than %d characters. The summary must capture the core content and key information.

Document:
%s`

// draftPrompt renders the generation prompt.
func draftPrompt(document string, snippets []knowledge.Snippet, caseCount int) string {
	var b strings.Builder
	fmt.Fprintf(&b, draftPreamble, caseCount, caseCount)
	b.WriteString(document)
	writeSnippets(&b, snippets)
	b.WriteString("\n\n")
	b.WriteString(caseFormat)
	b.WriteString("\n")
	return b.String()
}

// reviewPrompt renders the review prompt around the serialised draft.
func reviewPrompt(draftJSON, document string, snippets []knowledge.Snippet, caseCount int) string {
	var b strings.Builder
	fmt.Fprintf(&b, reviewPreamble, caseCount, caseCount, draftJSON, document)
	writeSnippets(&b, snippets)
	b.WriteString("\n\n")
	b.WriteString(reviewInstructions)
	b.WriteString(caseFormat)
	b.WriteString("\n\nReturn only the JSON array, with no explanation or commentary.\n")
	return b.String()
}

func writeSnippets(b *strings.Builder, snippets []knowledge.Snippet) {
	if len(snippets) == 0 {
		return
	}
	b.WriteString("\n\nReference knowledge:\n")
	for _, s := range snippets {
		b.WriteString(s.Content)
		b.WriteString("\n\n")
	}
}

func summarizePrompt(text string, maxChars int) string {
	return fmt.Sprintf(summaryPrompt, maxChars, headRunes(text, summaryInputChars))
}

// summaryQuery is the assembler query for short documents.
func summaryQuery(text string) string {
	head := headRunes(text, summaryQueryChars)
	return summaryQueryPrefix + strings.ReplaceAll(head, "\n", " ")
}

// headRunes returns the first n runes of s.
func headRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// promptTokens estimates the size of a rendered prompt.
func promptTokens(prompt string) int {
	return textsplit.CountTokens(prompt)
}
