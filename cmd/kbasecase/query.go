package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Echoxiawan/KBaseCase/internal/knowledge"
	"github.com/spf13/cobra"
)

var (
	queryTopK   int
	queryMethod string
)

var queryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Query the configured knowledge base",
	Long: `Query the configured knowledge base and print the matching snippets.

Examples:
  kbasecase query "password reset policy"
  kbasecase query --top-k 3 --method semantic_search "session timeout"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runQuery,
}

func init() {
	queryCmd.Flags().IntVarP(&queryTopK, "top-k", "k", 0, "number of snippets (default from config)")
	queryCmd.Flags().StringVar(&queryMethod, "method", "", "search method: semantic_search, keyword_search, full_text_search, hybrid_search")
}

func runQuery(cmd *cobra.Command, args []string) error {
	text := strings.TrimSpace(strings.Join(args, " "))
	if text == "" {
		return errors.New("query text is empty")
	}
	method, err := knowledge.ParseSearchMethod(queryMethod)
	if err != nil {
		return err
	}

	a, err := newApp(cmd.Context(), appOptions{logToStderr: true, skipLLM: true})
	if err != nil {
		return err
	}
	defer a.Close(cmd.Context())
	if a.kb == nil {
		return fmt.Errorf("no knowledge base configured (knowledge.provider=%q)", a.cfg.Knowledge.Provider)
	}

	snippets, err := a.kb.Retrieve(cmd.Context(), knowledge.Query{Text: text, TopK: queryTopK, SearchMethod: method})
	if err != nil {
		return fmt.Errorf("knowledge query failed: %w", err)
	}
	if snippets == nil {
		snippets = []knowledge.Snippet{}
	}
	return writeJSON(cmd.OutOrStdout(), struct {
		Query   string              `json:"query"`
		Sources []knowledge.Snippet `json:"sources"`
	}{text, snippets})
}
