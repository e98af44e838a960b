package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/Echoxiawan/KBaseCase/internal/generation"
	"github.com/spf13/cobra"
)

var (
	caseCount      int
	knowledgeQuery string
	outputPath     string
)

var generateCmd = &cobra.Command{
	Use:   "generate [file...]",
	Short: "Generate test cases from text files or stdin",
	Long: `Generate test cases from one or more extracted requirement documents.

Documents must already be plain text (md or txt, or text extracted from
pdf/docx). With no file arguments, or "-", the document is read from stdin.

Examples:
  # Generate from a markdown document
  kbasecase generate requirements.md

  # Generate 20 cases from two files into cases.json
  kbasecase generate --cases 20 -o cases.json login.md payments.txt

  # Generate from stdin
  cat requirements.txt | kbasecase generate -`,
	RunE: runGenerate,
}

func init() {
	generateCmd.Flags().IntVarP(&caseCount, "cases", "n", 0, "target number of test cases (default from config)")
	generateCmd.Flags().StringVar(&knowledgeQuery, "knowledge-query", "", "knowledge base query (default: LLM summary of the document)")
	generateCmd.Flags().StringVarP(&outputPath, "output", "o", "", "write the result to this file instead of stdout")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	docs, err := readDocuments(args, cmd.InOrStdin())
	if err != nil {
		return err
	}

	a, err := newApp(cmd.Context(), appOptions{logToStderr: true})
	if err != nil {
		return err
	}
	defer a.Close(cmd.Context())

	res := a.pipeline.Generate(cmd.Context(), generation.Request{
		Documents:      docs,
		CaseCount:      caseCount,
		KnowledgeQuery: knowledgeQuery,
	})
	if res.Err != nil {
		_ = writeJSON(cmd.ErrOrStderr(), res.Err)
		return fmt.Errorf("generation failed: %w", res.Err)
	}

	out := cmd.OutOrStdout()
	if outputPath != "" {
		f, err := os.Create(outputPath)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", outputPath, err)
		}
		defer f.Close()
		out = f
	}
	return writeJSON(out, res)
}

// readDocuments reads each path, or stdin for "-" or no paths.
func readDocuments(paths []string, stdin io.Reader) ([]generation.Document, error) {
	if len(paths) == 0 {
		paths = []string{"-"}
	}
	docs := make([]generation.Document, 0, len(paths))
	for _, p := range paths {
		var (
			content []byte
			err     error
			name    = p
		)
		if p == "-" {
			name = "stdin"
			content, err = io.ReadAll(stdin)
		} else {
			content, err = os.ReadFile(p)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		if strings.TrimSpace(string(content)) == "" {
			return nil, fmt.Errorf("%s is empty", name)
		}
		docs = append(docs, generation.Document{
			Name:     filepath.Base(name),
			Text:     string(content),
			FileType: fileTypeFor(name),
		})
	}
	return docs, nil
}

// fileTypeFor guesses the source format from the extension. Unknown
// extensions are treated as plain text.
func fileTypeFor(name string) generation.FileType {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".md", ".markdown":
		return generation.FileTypeMarkdown
	case ".pdf":
		return generation.FileTypePDF
	case ".docx":
		return generation.FileTypeDOCX
	default:
		return generation.FileTypeText
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
