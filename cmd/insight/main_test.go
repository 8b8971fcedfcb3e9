package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/insight/pkg/config"
	"github.com/pario-ai/insight/pkg/models"
	"github.com/pario-ai/insight/pkg/orchestrator"
)

func TestParseParams(t *testing.T) {
	p, err := parseParams([]string{"length=short", "limit=3", "strict=true", "tags=[\"a\"]", "empty="})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"length": "short",
		"limit":  float64(3),
		"strict": true,
		"tags":   []any{"a"},
		"empty":  "",
	}, p)

	p, err = parseParams(nil)
	require.NoError(t, err)
	assert.Nil(t, p)

	_, err = parseParams([]string{"novalue"})
	assert.Error(t, err)
	_, err = parseParams([]string{"=x"})
	assert.Error(t, err)
}

func TestLoadHistory(t *testing.T) {
	h, err := loadHistory("")
	require.NoError(t, err)
	assert.Nil(t, h)

	path := filepath.Join(t.TempDir(), "history.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"role":"user","content":"hi"}]`), 0o600))
	h, err = loadHistory(path)
	require.NoError(t, err)
	assert.Equal(t, []models.ChatMessage{{Role: "user", Content: "hi"}}, h)

	require.NoError(t, os.WriteFile(path, []byte(`{`), 0o600))
	_, err = loadHistory(path)
	assert.Error(t, err)
}

func TestStreamAnswer(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, d := range []string{"On ", "track."} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", d)
			w.(http.Flusher).Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer upstream.Close()

	cfg := config.Default()
	cfg.Endpoints = []config.EndpointConfig{{Name: "default", URL: upstream.URL}}
	cfg.Journal.DBPath = filepath.Join(t.TempDir(), "insight.db")
	cfg.Journal.Enabled = true
	a, err := newApp(cfg, nil)
	require.NoError(t, err)
	defer a.Close()

	var out bytes.Buffer
	o := orchestrator.New(a.client, a.orchestratorOptions("")...)
	require.NoError(t, streamAnswer(context.Background(), o, &out, "deal-1", "status?", nil))
	assert.Equal(t, "On track.\n", out.String())

	runs, err := a.journal.Query(context.Background(), models.RunQueryOpts{SubjectID: "deal-1"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "chat", runs[0].Operation)
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	_, err := newApp(config.Default(), nil)
	assert.Error(t, err)
}

func TestWriteRuns(t *testing.T) {
	var empty bytes.Buffer
	require.NoError(t, writeRuns(&empty, nil))
	assert.Equal(t, "No runs found.\n", empty.String())

	var out bytes.Buffer
	require.NoError(t, writeRuns(&out, []models.RunRecord{{RunID: "r1", SubjectID: "deal-1", Operation: "chat", Outcome: models.OutcomeError, Error: "boom"}}))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "RUN ID"))
	assert.Contains(t, lines[1], "r1")
	assert.Contains(t, lines[1], "deal-1")
	assert.True(t, strings.HasSuffix(lines[1], "boom"))
}
