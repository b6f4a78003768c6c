package estimation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jinford/dev-estimate/internal/core/sizing"
)

// Publisher はセッションの変更を購読者へ通知する
type Publisher interface {
	Publish(ctx context.Context, sessionID string)
}

// ItemPipeline は1件の見積もり依頼を取得→分析→見積もりの順に処理する
type ItemPipeline struct {
	fetcher     ContentFetcher
	generator   TextGenerator
	artifacts   ArtifactStore
	prompts     *PromptBuilder
	publisher   Publisher
	classifier  *sizing.Classifier
	limiter     Limiter
	recorder    Recorder
	modelConfig ModelConfig
	logger      *slog.Logger
}

// PipelineOption は ItemPipeline のオプション
type PipelineOption func(*ItemPipeline)

// WithPipelineLogger はロガーを差し替える
func WithPipelineLogger(logger *slog.Logger) PipelineOption {
	return func(p *ItemPipeline) {
		p.logger = logger
	}
}

// WithPipelineLimiter は生成呼び出しの同時実行制限を設定する
func WithPipelineLimiter(limiter Limiter) PipelineOption {
	return func(p *ItemPipeline) {
		p.limiter = limiter
	}
}

// WithPipelineRecorder はメトリクスの記録先を差し替える
func WithPipelineRecorder(recorder Recorder) PipelineOption {
	return func(p *ItemPipeline) {
		p.recorder = recorder
	}
}

// WithClassifier は期間の分類器を差し替える
func WithClassifier(classifier *sizing.Classifier) PipelineOption {
	return func(p *ItemPipeline) {
		p.classifier = classifier
	}
}

// WithModelConfig は生成モデルの設定を指定する
func WithModelConfig(cfg ModelConfig) PipelineOption {
	return func(p *ItemPipeline) {
		p.modelConfig = cfg
	}
}

// NewItemPipeline は新しい ItemPipeline を作成する
func NewItemPipeline(
	fetcher ContentFetcher,
	generator TextGenerator,
	artifacts ArtifactStore,
	prompts *PromptBuilder,
	publisher Publisher,
	opts ...PipelineOption,
) *ItemPipeline {
	p := &ItemPipeline{
		fetcher:    fetcher,
		generator:  generator,
		artifacts:  artifacts,
		prompts:    prompts,
		publisher:  publisher,
		classifier: sizing.NewClassifier(),
		limiter:    nopLimiter{},
		recorder:   nopRecorder{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run は table の index 行を担当して依頼を処理し、終端状態を返す。
// 処理中のエラーはすべてこの行の Failed 状態に変換され、呼び出し元へは伝播しない。
func (p *ItemPipeline) Run(ctx context.Context, table *SessionTable, index int, req EstimationRequest) (final Status) {
	logger := p.logger.With("session_id", table.ID(), "index", index, "name", req.Name)

	defer func() {
		if r := recover(); r != nil {
			p.fail(ctx, table, index, fmt.Errorf("pipeline panic: %v", r), logger)
			final = StatusFailed
		}
	}()

	logger.Info("見積もり項目の処理を開始", "url", req.URL)

	if err := p.run(ctx, table, index, req, logger); err != nil {
		p.fail(ctx, table, index, err, logger)
		return StatusFailed
	}

	p.recorder.ItemFinished(StatusCompleted)
	return StatusCompleted
}

func (p *ItemPipeline) run(ctx context.Context, table *SessionTable, index int, req EstimationRequest, logger *slog.Logger) error {
	key := func(kind ArtifactKind) ArtifactKey {
		return ArtifactKey{SessionID: table.ID(), ItemName: req.Name, Kind: kind}
	}

	// Stage 1: ソースの取得
	if err := p.advance(ctx, table, index, StatusFetching, progressFetching, nil); err != nil {
		return err
	}
	start := time.Now()
	doc, err := p.fetcher.Fetch(ctx, req.URL)
	p.recorder.StageObserved(StatusFetching, time.Since(start))
	if err != nil {
		return err
	}
	logger.Debug("ソースを取得", "title", doc.Title, "bytes", len(doc.Content))

	// Stage 2: 分析ノートの生成
	if err := p.advance(ctx, table, index, StatusGeneratingAnalysis, progressGeneratingAnalysis, nil); err != nil {
		return err
	}
	start = time.Now()
	analysis, err := p.generate(ctx, p.prompts.Analysis(req, doc, p.modelConfig))
	p.recorder.StageObserved(StatusGeneratingAnalysis, time.Since(start))
	if err != nil {
		return err
	}
	if err := p.store(ctx, key(ArtifactSource), doc.Content); err != nil {
		return err
	}
	if err := p.store(ctx, key(ArtifactAnalysis), analysis); err != nil {
		return err
	}

	// Stage 3: PERT見積もりの生成
	err = p.advance(ctx, table, index, StatusGeneratingEstimate, progressGeneratingEstimate, func(r *EstimationResult) {
		r.AnalysisAvailable = true
	})
	if err != nil {
		return err
	}
	start = time.Now()
	estimate, err := p.generate(ctx, p.prompts.Estimate(req, analysis, p.modelConfig))
	p.recorder.StageObserved(StatusGeneratingEstimate, time.Since(start))
	if err != nil {
		return err
	}
	if err := p.store(ctx, key(ArtifactEstimate), estimate); err != nil {
		return err
	}

	weeks, classified := p.classifier.Classify(estimate).Get()
	if !classified {
		logger.Info("見積もりから合計期間を抽出できませんでした")
	}

	err = p.advance(ctx, table, index, StatusCompleted, progressCompleted, func(r *EstimationResult) {
		r.EstimateAvailable = true
		if classified {
			bucket := p.classifier.Bucket(weeks)
			r.DurationWeeks = &weeks
			r.SizeBucket = &bucket
		}
	})
	if err != nil {
		return err
	}

	logger.Info("見積もり項目の処理が完了", "duration_weeks", weeks, "classified", classified)
	return nil
}

// advance は状態を更新して通知する。ブロッキング処理はこの後に行う。
func (p *ItemPipeline) advance(ctx context.Context, table *SessionTable, index int, next Status, progress string, mutate func(*EstimationResult)) error {
	if err := table.transition(index, next, progress, mutate); err != nil {
		return err
	}
	p.publisher.Publish(ctx, table.ID())
	return nil
}

func (p *ItemPipeline) generate(ctx context.Context, req GenerationRequest) (string, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("failed to acquire generation slot: %w", err)
	}
	defer p.limiter.Release()

	return p.generator.Generate(ctx, req)
}

func (p *ItemPipeline) store(ctx context.Context, key ArtifactKey, text string) error {
	if err := p.artifacts.Store(ctx, key, text); err != nil {
		return fmt.Errorf("failed to store %s artifact: %w", key.Kind, err)
	}
	return nil
}

func (p *ItemPipeline) fail(ctx context.Context, table *SessionTable, index int, cause error, logger *slog.Logger) {
	logger.Warn("見積もり項目の処理に失敗", "error", cause)

	message := cause.Error()
	err := table.transition(index, StatusFailed, progressFailed, func(r *EstimationResult) {
		r.Error = &message
	})
	if err != nil {
		logger.Error("失敗状態への遷移に失敗", "error", err)
		return
	}

	p.recorder.ItemFinished(StatusFailed)
	p.publisher.Publish(ctx, table.ID())
}
