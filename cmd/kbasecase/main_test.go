package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Echoxiawan/KBaseCase/internal/generation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileTypeFor(t *testing.T) {
	tests := []struct {
		name string
		want generation.FileType
	}{
		{"spec.md", generation.FileTypeMarkdown},
		{"LOGIN.MARKDOWN", generation.FileTypeMarkdown},
		{"extracted.pdf", generation.FileTypePDF},
		{"design.docx", generation.FileTypeDOCX},
		{"notes.txt", generation.FileTypeText},
		{"stdin", generation.FileTypeText},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, fileTypeFor(tt.name))
		})
	}
}

func TestReadDocuments(t *testing.T) {
	dir := t.TempDir()
	login := filepath.Join(dir, "login.md")
	require.NoError(t, os.WriteFile(login, []byte("# Login\nUsers sign in."), 0o600))

	t.Run("files", func(t *testing.T) {
		docs, err := readDocuments([]string{login}, nil)
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.Equal(t, "login.md", docs[0].Name)
		assert.Equal(t, generation.FileTypeMarkdown, docs[0].FileType)
		assert.Contains(t, docs[0].Text, "Users sign in.")
	})

	t.Run("stdin by default", func(t *testing.T) {
		docs, err := readDocuments(nil, strings.NewReader("from a pipe"))
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.Equal(t, "stdin", docs[0].Name)
		assert.Equal(t, "from a pipe", docs[0].Text)
	})

	t.Run("empty input", func(t *testing.T) {
		_, err := readDocuments([]string{"-"}, strings.NewReader("  \n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "stdin is empty")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := readDocuments([]string{filepath.Join(dir, "nope.txt")}, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read")
	})
}

func TestLoadEnvFiles(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "missing.env")

	t.Run("missing default is skipped", func(t *testing.T) {
		assert.NoError(t, loadEnvFiles([]string{missing}, false))
	})

	t.Run("missing explicit file fails", func(t *testing.T) {
		assert.Error(t, loadEnvFiles([]string{missing}, true))
	})

	t.Run("loads values", func(t *testing.T) {
		env := filepath.Join(dir, "test.env")
		require.NoError(t, os.WriteFile(env, []byte("KBASECASE_TEST_ENV_VALUE=loaded\n"), 0o600))
		t.Cleanup(func() { os.Unsetenv("KBASECASE_TEST_ENV_VALUE") })

		require.NoError(t, loadEnvFiles([]string{env}, true))
		assert.Equal(t, "loaded", os.Getenv("KBASECASE_TEST_ENV_VALUE"))
	})
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeJSON(&buf, map[string]string{"title": "a <b> & c"}))
	assert.Contains(t, buf.String(), "a <b> & c")
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	versionCmd.SetOut(&buf)
	t.Cleanup(func() { versionCmd.SetOut(nil) })

	versionCmd.Run(versionCmd, nil)
	assert.Contains(t, buf.String(), "Version:    dev")
}
