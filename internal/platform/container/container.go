package container

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"

	"github.com/jinford/dev-estimate/internal/core/estimation"
	"github.com/jinford/dev-estimate/internal/infra/artifact"
	"github.com/jinford/dev-estimate/internal/infra/atlassian"
	"github.com/jinford/dev-estimate/internal/infra/bedrock"
	"github.com/jinford/dev-estimate/internal/infra/openai"
	"github.com/jinford/dev-estimate/internal/infra/postgres"
	"github.com/jinford/dev-estimate/internal/platform/config"
	"github.com/jinford/dev-estimate/internal/platform/database"
	"github.com/jinford/dev-estimate/internal/platform/metrics"
	"github.com/jinford/dev-estimate/internal/platform/ratelimit"
)

// progressLogInterval はバッチ進捗ログの最小出力間隔
const progressLogInterval = 10 * time.Second

// ServiceContainer は見積もりエンジンとアダプタの依存関係を保持する
type ServiceContainer struct {
	Orchestrator *estimation.Orchestrator
	Broadcaster  *estimation.Broadcaster
	Sessions     *estimation.SessionStore
	Artifacts    estimation.ArtifactStore
	Fetcher      estimation.ContentFetcher
	Generator    estimation.TextGenerator
	Limiter      *ratelimit.Limiter
	Metrics      *metrics.Metrics
	Registry     *prometheus.Registry

	// Titles はタイトル取得に対応した取得クライアント（未対応の場合は nil）
	Titles TitleFetcher

	logger   *slog.Logger
	database *database.Database
}

// TitleFetcher はURLからページタイトルを取得する
type TitleFetcher interface {
	Title(ctx context.Context, source string) (string, error)
}

type containerOptions struct {
	logger    *slog.Logger
	fetcher   estimation.ContentFetcher
	generator estimation.TextGenerator
	artifacts estimation.ArtifactStore
	counter   estimation.TokenCounter
}

// ContainerOption は ServiceContainer 構築時のオプション
type ContainerOption func(*containerOptions)

// WithContainerLogger はロガーを差し替える
func WithContainerLogger(logger *slog.Logger) ContainerOption {
	return func(opts *containerOptions) {
		opts.logger = logger
	}
}

// WithContainerFetcher はコンテンツ取得クライアントを差し替える
func WithContainerFetcher(fetcher estimation.ContentFetcher) ContainerOption {
	return func(opts *containerOptions) {
		opts.fetcher = fetcher
	}
}

// WithContainerGenerator はテキスト生成クライアントを差し替える
func WithContainerGenerator(generator estimation.TextGenerator) ContainerOption {
	return func(opts *containerOptions) {
		opts.generator = generator
	}
}

// WithContainerArtifactStore は生成物の保存先を差し替える
func WithContainerArtifactStore(store estimation.ArtifactStore) ContainerOption {
	return func(opts *containerOptions) {
		opts.artifacts = store
	}
}

// WithContainerTokenCounter はトークンカウンタを差し替える
func WithContainerTokenCounter(counter estimation.TokenCounter) ContainerOption {
	return func(opts *containerOptions) {
		opts.counter = counter
	}
}

// NewContainer は設定に従ってアダプタを選択し、見積もりエンジンを組み立てる
func NewContainer(ctx context.Context, cfg *config.Config, opts ...ContainerOption) (*ServiceContainer, error) {
	options := containerOptions{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	logger := options.logger

	c := &ServiceContainer{logger: logger}

	// メトリクス
	c.Registry = prometheus.NewRegistry()
	c.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(c.Registry)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	c.Metrics = m

	// コンテンツ取得
	c.Fetcher = options.fetcher
	if c.Fetcher == nil {
		client, err := atlassian.NewClient(cfg.Atlassian.URL, cfg.Atlassian.UserEmail, cfg.Atlassian.APIToken,
			atlassian.WithTimeout(cfg.Atlassian.Timeout),
			atlassian.WithLogger(logger),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create atlassian client: %w", err)
		}
		c.Fetcher = client
	}
	if titles, ok := c.Fetcher.(TitleFetcher); ok {
		c.Titles = titles
	}

	// テキスト生成
	var modelConfig estimation.ModelConfig
	switch cfg.LLMProvider {
	case config.ProviderBedrock:
		modelConfig = estimation.ModelConfig{
			Model:       cfg.Bedrock.Model,
			Temperature: cfg.Bedrock.Temperature,
			MaxTokens:   cfg.Bedrock.MaxTokens,
		}
	default:
		modelConfig = estimation.ModelConfig{
			Model:       cfg.OpenAI.Model,
			Temperature: cfg.OpenAI.Temperature,
			MaxTokens:   cfg.OpenAI.MaxTokens,
		}
	}

	c.Generator = options.generator
	if c.Generator == nil {
		generator, err := newGenerator(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		c.Generator = generator
	}

	// 生成物の保存先
	c.Artifacts = options.artifacts
	if c.Artifacts == nil {
		store, err := c.newArtifactStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
		c.Artifacts = store
	}

	// プロンプト
	counter := options.counter
	if counter == nil {
		tc, err := openai.NewTokenCounter()
		if err != nil {
			// エンコーディングが取得できない環境ではトークン数による切り詰めを行わない
			logger.Warn("トークンカウンタの初期化に失敗しました。コンテンツの切り詰めを無効にします", "error", err)
		} else {
			counter = tc
		}
	}
	var promptOpts []estimation.PromptOption
	if counter != nil {
		promptOpts = append(promptOpts, estimation.WithTokenCounter(counter, cfg.Pipeline.MaxContentTokens))
	}
	prompts, err := estimation.NewPromptBuilder(promptOpts...)
	if err != nil {
		c.closeResources()
		return nil, fmt.Errorf("failed to create prompt builder: %w", err)
	}

	// セッションと配信
	c.Sessions = estimation.NewSessionStore(cfg.SessionTTL)
	c.Broadcaster = estimation.NewBroadcaster(c.Sessions,
		estimation.WithBroadcasterLogger(logger),
		estimation.WithBroadcasterRecorder(c.Metrics),
	)
	c.Sessions.OnEvict(func(id string) {
		c.Broadcaster.Forget(id)
		logger.Debug("期限切れのセッションを破棄しました", "session_id", id)
	})

	c.Limiter = ratelimit.New(cfg.Pipeline.GenerationConcurrency, cfg.Pipeline.GenerationRPM)

	pipeline := estimation.NewItemPipeline(c.Fetcher, c.Generator, c.Artifacts, prompts, c.Broadcaster,
		estimation.WithPipelineLogger(logger),
		estimation.WithPipelineLimiter(c.Limiter),
		estimation.WithPipelineRecorder(c.Metrics),
		estimation.WithModelConfig(modelConfig),
	)

	c.Orchestrator = estimation.NewOrchestrator(c.Sessions, c.Broadcaster, pipeline,
		estimation.WithOrchestratorLogger(logger),
		estimation.WithOrchestratorRecorder(c.Metrics),
		estimation.WithMaxInFlight(cfg.Pipeline.MaxInFlight),
		estimation.WithProgressLogInterval(progressLogInterval),
	)

	logger.Info("コンテナを初期化しました",
		"llm_provider", cfg.LLMProvider,
		"artifact_backend", cfg.Artifact.Backend,
		"generation", c.Limiter.Status().String(),
	)

	return c, nil
}

func newGenerator(ctx context.Context, cfg *config.Config, logger *slog.Logger) (estimation.TextGenerator, error) {
	switch cfg.LLMProvider {
	case config.ProviderBedrock:
		client, err := bedrock.NewClient(ctx, cfg.Bedrock.Region,
			bedrock.WithModel(cfg.Bedrock.Model),
			bedrock.WithLogger(logger),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create bedrock client: %w", err)
		}
		return client, nil
	case config.ProviderOpenAI:
		client, err := openai.NewClient(cfg.OpenAI.APIKey,
			openai.WithModel(cfg.OpenAI.Model),
			openai.WithTimeout(cfg.OpenAI.Timeout),
			openai.WithLogger(logger),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create openai client: %w", err)
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %q", cfg.LLMProvider)
	}
}

func (c *ServiceContainer) newArtifactStore(ctx context.Context, cfg *config.Config) (estimation.ArtifactStore, error) {
	switch cfg.Artifact.Backend {
	case config.ArtifactBackendPostgres:
		db, err := database.New(ctx, database.ConnectionParams{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			DBName:   cfg.Database.DBName,
			SSLMode:  cfg.Database.SSLMode,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect database: %w", err)
		}
		repo := postgres.NewArtifactRepository(db.Pool)
		if err := repo.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, err
		}
		c.database = db
		return repo, nil
	case config.ArtifactBackendFilesystem, "":
		store, err := artifact.NewFileStore(cfg.Artifact.Dir)
		if err != nil {
			return nil, fmt.Errorf("failed to create artifact store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported artifact backend: %q", cfg.Artifact.Backend)
	}
}

// Shutdown は実行中のバッチの終了を ctx の期限まで待ってからリソースを解放する
func (c *ServiceContainer) Shutdown(ctx context.Context) error {
	var err error
	if c.Orchestrator != nil {
		if waitErr := c.Orchestrator.WaitContext(ctx); waitErr != nil {
			multierr.AppendInto(&err, fmt.Errorf("batches still running at shutdown: %w", waitErr))
		}
	}
	multierr.AppendInto(&err, c.closeResources())
	return err
}

// Close は実行中のバッチを待たずにリソースを解放する
func (c *ServiceContainer) Close() {
	if err := c.closeResources(); err != nil {
		c.logger.Warn("リソースの解放に失敗しました", "error", err)
	}
}

func (c *ServiceContainer) closeResources() error {
	var err error
	if c.Sessions != nil {
		c.Sessions.Close()
	}
	if c.database != nil {
		c.database.Close()
		c.database = nil
	}
	if closer, ok := c.Artifacts.(interface{ Close() error }); ok {
		multierr.AppendInto(&err, closer.Close())
	}
	return err
}

// Logger はコンテナのロガーを返す
func (c *ServiceContainer) Logger() *slog.Logger {
	if c.logger != nil {
		return c.logger
	}
	return slog.Default()
}

// Database はデータベース接続を返す（ファイル保存の場合は nil）
func (c *ServiceContainer) Database() *database.Database {
	return c.database
}
