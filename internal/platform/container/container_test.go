package container

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/dev-estimate/internal/core/estimation"
	"github.com/jinford/dev-estimate/internal/infra/artifact"
	"github.com/jinford/dev-estimate/internal/platform/config"
)

type stubFetcher struct {
	release chan struct{}
}

func (f *stubFetcher) Fetch(ctx context.Context, source string) (estimation.Document, error) {
	if f.release != nil {
		<-f.release
	}
	return estimation.Document{Title: "t", Content: "c"}, nil
}

func (f *stubFetcher) Title(ctx context.Context, source string) (string, error) {
	return "t", nil
}

type stubGenerator struct {
	mu      sync.Mutex
	configs []estimation.ModelConfig
}

func newStubGenerator() *stubGenerator {
	return &stubGenerator{}
}

func (g *stubGenerator) Generate(ctx context.Context, req estimation.GenerationRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.configs = append(g.configs, req.Config)
	return "Total: 3 weeks", nil
}

type wordCounter struct{}

func (wordCounter) CountTokens(text string) int { return len(text) }

func (wordCounter) TrimToTokenLimit(text string, maxTokens int) string { return text }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		LLMProvider: config.ProviderOpenAI,
		OpenAI:      config.OpenAIConfig{APIKey: "sk-test", Model: "gpt-4o", Temperature: 0.3, MaxTokens: 2048},
		Artifact:    config.ArtifactConfig{Backend: config.ArtifactBackendFilesystem, Dir: t.TempDir()},
		Pipeline:    config.PipelineConfig{GenerationConcurrency: 2, MaxContentTokens: 100},
		SessionTTL:  time.Hour,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewContainer_WiresPipeline(t *testing.T) {
	generator := newStubGenerator()
	c, err := NewContainer(context.Background(), testConfig(t),
		WithContainerLogger(discardLogger()),
		WithContainerFetcher(&stubFetcher{}),
		WithContainerGenerator(generator),
		WithContainerTokenCounter(wordCounter{}),
	)
	require.NoError(t, err)

	assert.NotNil(t, c.Titles)
	assert.IsType(t, &artifact.FileStore{}, c.Artifacts)
	assert.Nil(t, c.Database())
	assert.Equal(t, 2, c.Limiter.Status().Concurrency)

	sessionID, err := c.Orchestrator.Submit(context.Background(), []estimation.EstimationRequest{
		{URL: "https://example.atlassian.net/browse/EST-1", Name: "a"},
	})
	require.NoError(t, err)

	require.NoError(t, c.Shutdown(context.Background()))

	snap, err := c.Orchestrator.Status(sessionID)
	require.NoError(t, err)
	assert.Equal(t, estimation.StatusCompleted, snap.Results[0].Status)

	require.Len(t, generator.configs, 2)
	assert.Equal(t, estimation.ModelConfig{Model: "gpt-4o", Temperature: 0.3, MaxTokens: 2048}, generator.configs[0])

	families, err := c.Registry.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["estimator_batches_submitted_total"])
	assert.True(t, names["go_goroutines"])
}

func TestNewContainer_BedrockModelConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.LLMProvider = config.ProviderBedrock
	cfg.Bedrock = config.BedrockConfig{Region: "us-east-1", Model: "anthropic.claude", Temperature: 0.1, MaxTokens: 4096}

	generator := newStubGenerator()
	c, err := NewContainer(context.Background(), cfg,
		WithContainerLogger(discardLogger()),
		WithContainerFetcher(&stubFetcher{}),
		WithContainerGenerator(generator),
		WithContainerTokenCounter(wordCounter{}),
	)
	require.NoError(t, err)

	_, err = c.Orchestrator.Submit(context.Background(), []estimation.EstimationRequest{{URL: "u", Name: "a"}})
	require.NoError(t, err)
	require.NoError(t, c.Shutdown(context.Background()))

	require.NotEmpty(t, generator.configs)
	assert.Equal(t, estimation.ModelConfig{Model: "anthropic.claude", Temperature: 0.1, MaxTokens: 4096}, generator.configs[0])
}

func TestNewContainer_ShutdownTimesOut(t *testing.T) {
	fetcher := &stubFetcher{release: make(chan struct{})}
	c, err := NewContainer(context.Background(), testConfig(t),
		WithContainerLogger(discardLogger()),
		WithContainerFetcher(fetcher),
		WithContainerGenerator(newStubGenerator()),
		WithContainerTokenCounter(wordCounter{}),
	)
	require.NoError(t, err)

	_, err = c.Orchestrator.Submit(context.Background(), []estimation.EstimationRequest{{URL: "u", Name: "a"}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = c.Shutdown(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	close(fetcher.release)
	c.Orchestrator.Wait()
}

func TestNewContainer_RejectsUnknownBackends(t *testing.T) {
	cfg := testConfig(t)
	cfg.Artifact.Backend = "s3"
	_, err := NewContainer(context.Background(), cfg,
		WithContainerLogger(discardLogger()),
		WithContainerFetcher(&stubFetcher{}),
		WithContainerGenerator(newStubGenerator()),
	)
	assert.ErrorContains(t, err, "unsupported artifact backend")

	cfg = testConfig(t)
	cfg.LLMProvider = "llama"
	_, err = NewContainer(context.Background(), cfg,
		WithContainerLogger(discardLogger()),
		WithContainerFetcher(&stubFetcher{}),
	)
	assert.ErrorContains(t, err, "unsupported LLM provider")
}

func TestNewContainer_EvictionForgetsObservers(t *testing.T) {
	cfg := testConfig(t)
	cfg.SessionTTL = 500 * time.Millisecond

	c, err := NewContainer(context.Background(), cfg,
		WithContainerLogger(discardLogger()),
		WithContainerFetcher(&stubFetcher{}),
		WithContainerGenerator(newStubGenerator()),
		WithContainerTokenCounter(wordCounter{}),
	)
	require.NoError(t, err)
	t.Cleanup(c.Close)

	sessionID, err := c.Orchestrator.Submit(context.Background(), []estimation.EstimationRequest{{URL: "u", Name: "a"}})
	require.NoError(t, err)
	require.NoError(t, c.Broadcaster.Attach(context.Background(), sessionID, nopObserver{}))
	assert.GreaterOrEqual(t, c.Broadcaster.ObserverCount(sessionID), 1)
	c.Orchestrator.Wait()

	require.Eventually(t, func() bool {
		_, err := c.Orchestrator.Status(sessionID)
		return errors.Is(err, estimation.ErrUnknownSession) && c.Broadcaster.ObserverCount(sessionID) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

type nopObserver struct{}

func (nopObserver) ID() string { return "nop" }

func (nopObserver) Send(ctx context.Context, snapshot estimation.Snapshot) error { return nil }
