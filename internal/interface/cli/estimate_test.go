package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"

	"github.com/jinford/dev-estimate/internal/core/estimation"
	"github.com/jinford/dev-estimate/internal/core/sizing"
)

type stubTitles map[string]string

func (s stubTitles) Title(ctx context.Context, source string) (string, error) {
	title, ok := s[source]
	if !ok {
		return "", errors.New("not found")
	}
	return title, nil
}

func TestSplitItemArg(t *testing.T) {
	tests := []struct {
		arg      string
		wantName string
		wantURL  string
	}{
		{arg: "checkout=https://example.atlassian.net/browse/EST-1", wantName: "checkout", wantURL: "https://example.atlassian.net/browse/EST-1"},
		{arg: "https://example.atlassian.net/wiki/viewpage.action?pageId=123", wantName: "", wantURL: "https://example.atlassian.net/wiki/viewpage.action?pageId=123"},
		{arg: " search = http://wiki.local/pages/9 ", wantName: "search", wantURL: "http://wiki.local/pages/9"},
		{arg: "name=not-a-url", wantName: "", wantURL: "name=not-a-url"},
	}
	for _, tt := range tests {
		t.Run(tt.arg, func(t *testing.T) {
			name, url := splitItemArg(tt.arg)
			assert.Equal(t, tt.wantName, name)
			assert.Equal(t, tt.wantURL, url)
		})
	}
}

func TestParseItems(t *testing.T) {
	titles := stubTitles{"https://example.atlassian.net/browse/EST-2": "Search revamp"}

	items, err := parseItems(context.Background(), []string{
		"checkout=https://example.atlassian.net/browse/EST-1",
		"https://example.atlassian.net/browse/EST-2",
	}, " 30 manweeks ", titles)
	require.NoError(t, err)

	require.Len(t, items, 2)
	assert.Equal(t, "checkout", items[0].Name)
	assert.Equal(t, "Search revamp", items[1].Name)
	for _, it := range items {
		assert.Equal(t, mo.Some("30 manweeks"), it.Ballpark)
	}

	items, err = parseItems(context.Background(), []string{"a=https://x/browse/A-1"}, "", nil)
	require.NoError(t, err)
	assert.True(t, items[0].Ballpark.IsAbsent())

	_, err = parseItems(context.Background(), []string{"https://unknown"}, "", titles)
	assert.ErrorContains(t, err, "タイトルの取得に失敗")

	_, err = parseItems(context.Background(), []string{"https://unknown"}, "", nil)
	assert.Error(t, err)
}

func TestRenderTable(t *testing.T) {
	weeks := 25.98
	bucket := sizing.SizeL
	msg := "fetch https://x: status 404"
	snap := estimation.Snapshot{
		SessionID: "s-1",
		Results: []estimation.EstimationResult{
			{Index: 0, Name: "checkout", Status: estimation.StatusCompleted, Progress: "Completed", DurationWeeks: &weeks, SizeBucket: &bucket},
			{Index: 1, Name: "search", Status: estimation.StatusFailed, Progress: "Failed", Error: &msg},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, renderTable(&buf, snap))

	out := buf.String()
	assert.Contains(t, out, "checkout")
	assert.Contains(t, out, "25.98")
	assert.Contains(t, out, "status 404")
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "failed")
}

type okFetcher struct{}

func (okFetcher) Fetch(ctx context.Context, source string) (estimation.Document, error) {
	return estimation.Document{Title: source, Content: "body"}, nil
}

type okGenerator struct{}

func (okGenerator) Generate(ctx context.Context, req estimation.GenerationRequest) (string, error) {
	return "Total: 2 weeks", nil
}

type memArtifacts struct{}

func (memArtifacts) Store(ctx context.Context, key estimation.ArtifactKey, text string) error {
	return nil
}

func (memArtifacts) Load(ctx context.Context, key estimation.ArtifactKey) (string, error) {
	return "", estimation.ErrArtifactNotFound
}

func TestRunBatch(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := estimation.NewSessionStore(0)
	t.Cleanup(store.Close)

	prompts, err := estimation.NewPromptBuilder()
	require.NoError(t, err)
	b := estimation.NewBroadcaster(store, estimation.WithBroadcasterLogger(logger))
	pipeline := estimation.NewItemPipeline(okFetcher{}, okGenerator{}, memArtifacts{}, prompts, b,
		estimation.WithPipelineLogger(logger))
	o := estimation.NewOrchestrator(store, b, pipeline, estimation.WithOrchestratorLogger(logger))
	t.Cleanup(o.Wait)

	var buf bytes.Buffer
	snap, err := runBatch(context.Background(), o, []estimation.EstimationRequest{
		{URL: "https://x/browse/A-1", Name: "alpha"},
		{URL: "https://x/browse/A-2", Name: "beta"},
	}, &buf)
	require.NoError(t, err)

	assert.True(t, snap.Done())
	assert.Equal(t, 2, snap.Counts()[estimation.StatusCompleted])
	assert.Contains(t, buf.String(), "alpha")
	assert.Contains(t, buf.String(), "Progress: 2/2 (100.0%)")
	assert.Equal(t, 0, b.ObserverCount(snap.SessionID))

	_, err = runBatch(context.Background(), o, nil, &buf)
	assert.ErrorIs(t, err, estimation.ErrEmptyBatch)
}

func TestEstimateClassifyAction(t *testing.T) {
	dir := t.TempDir()
	report := filepath.Join(dir, "estimate.md")
	require.NoError(t, os.WriteFile(report, []byte("## Summary\nSum of expected durations: 3 months\n"), 0o600))
	empty := filepath.Join(dir, "empty.md")
	require.NoError(t, os.WriteFile(empty, []byte("no numbers here"), 0o600))

	run := func(path string) (string, error) {
		var buf bytes.Buffer
		cmd := &cli.Command{
			Name:   "estimator",
			Writer: &buf,
			Commands: []*cli.Command{
				{
					Name:   "classify",
					Flags:  []cli.Flag{&cli.StringFlag{Name: "file", Required: true}},
					Action: EstimateClassifyAction,
				},
			},
		}
		err := cmd.Run(context.Background(), []string{"estimator", "classify", "--file", path})
		return buf.String(), err
	}

	out, err := run(report)
	require.NoError(t, err)
	assert.Contains(t, out, "12.99")
	assert.True(t, strings.Contains(out, "サイズ: L"))

	out, err = run(empty)
	require.NoError(t, err)
	assert.Contains(t, out, "判定できませんでした")

	_, err = run(filepath.Join(dir, "missing.md"))
	assert.Error(t, err)
}
