package estimation

import (
	"context"
	"time"

	"github.com/samber/mo"
)

// ContentFetcher はソースURLからコンテンツを取得する
type ContentFetcher interface {
	// Fetch は取得に失敗した場合 *FetchError を返す
	Fetch(ctx context.Context, source string) (Document, error)
}

// ModelConfig はテキスト生成モデルの設定
type ModelConfig struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// GenerationRequest はテキスト生成のリクエスト
type GenerationRequest struct {
	SystemPrompt string
	UserMessages []string
	Config       ModelConfig
	Ballpark     mo.Option[string]
}

// TextGenerator はプロバイダ非依存のテキスト生成インターフェース
type TextGenerator interface {
	// Generate は失敗時または空の応答時に *GenerationError を返す
	Generate(ctx context.Context, req GenerationRequest) (string, error)
}

// ArtifactStore は生成物の保存先
type ArtifactStore interface {
	// Store は同じキーで再度呼ばれた場合、黙って上書きする
	Store(ctx context.Context, key ArtifactKey, text string) error
	// Load は未保存の場合 ErrArtifactNotFound を返す
	Load(ctx context.Context, key ArtifactKey) (string, error)
}

// Observer はスナップショットの購読者
type Observer interface {
	ID() string
	// Send が失敗した購読者は登録から外される
	Send(ctx context.Context, snapshot Snapshot) error
}

// Limiter は同時実行中の生成呼び出しを制限する
type Limiter interface {
	Wait(ctx context.Context) error
	Release()
}

// TokenCounter はプロンプトのトークン数を数える
type TokenCounter interface {
	CountTokens(text string) int
	TrimToTokenLimit(text string, maxTokens int) string
}

// Recorder はパイプラインのメトリクスを記録する
type Recorder interface {
	BatchSubmitted(items int)
	StageObserved(stage Status, d time.Duration)
	ItemFinished(status Status)
	ObserverAttached()
	ObserverDetached()
	SnapshotDelivered(ok bool)
}

type nopRecorder struct{}

func (nopRecorder) BatchSubmitted(int) {}
func (nopRecorder) StageObserved(Status, time.Duration) {}
func (nopRecorder) ItemFinished(Status) {}
func (nopRecorder) ObserverAttached() {}
func (nopRecorder) ObserverDetached() {}
func (nopRecorder) SnapshotDelivered(bool) {}

type nopLimiter struct{}

func (nopLimiter) Wait(ctx context.Context) error { return ctx.Err() }
func (nopLimiter) Release() {}
