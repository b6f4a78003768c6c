package estimation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Orchestrator はバッチを受け付け、項目ごとのパイプラインを並行に実行する
type Orchestrator struct {
	sessions    *SessionStore
	broadcaster *Broadcaster
	pipeline    *ItemPipeline
	maxInFlight int
	progressLog time.Duration
	recorder    Recorder
	logger      *slog.Logger

	// newID はセッションIDの生成関数（テスト用に差し替え可能）
	newID func() string

	wg sync.WaitGroup
}

// OrchestratorOption は Orchestrator のオプション
type OrchestratorOption func(*Orchestrator)

// WithOrchestratorLogger はロガーを差し替える
func WithOrchestratorLogger(logger *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithOrchestratorRecorder はメトリクスの記録先を差し替える
func WithOrchestratorRecorder(recorder Recorder) OrchestratorOption {
	return func(o *Orchestrator) {
		o.recorder = recorder
	}
}

// WithMaxInFlight はバッチあたりの同時実行項目数の上限を設定する（0以下で無制限）
func WithMaxInFlight(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		o.maxInFlight = n
	}
}

// WithProgressLogInterval はバッチごとに ProgressLogger を購読させる（0以下で無効）
func WithProgressLogInterval(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		o.progressLog = d
	}
}

// NewOrchestrator は新しい Orchestrator を作成する
func NewOrchestrator(sessions *SessionStore, broadcaster *Broadcaster, pipeline *ItemPipeline, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		sessions:    sessions,
		broadcaster: broadcaster,
		pipeline:    pipeline,
		recorder:    nopRecorder{},
		logger:      slog.Default(),
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Submit はバッチを登録してセッションIDを返す。
// 各項目の処理はバックグラウンドで開始され、完了を待たずに戻る。
// 進捗は Broadcaster 経由でのみ観測できる。
func (o *Orchestrator) Submit(ctx context.Context, items []EstimationRequest) (string, error) {
	if len(items) == 0 {
		return "", ErrEmptyBatch
	}
	for i, item := range items {
		if strings.TrimSpace(item.Name) == "" {
			return "", fmt.Errorf("%w: item %d has an empty name", ErrInvalidRequest, i)
		}
		if strings.TrimSpace(item.URL) == "" {
			return "", fmt.Errorf("%w: item %d (%s) has an empty url", ErrInvalidRequest, i, item.Name)
		}
	}

	requests := make([]EstimationRequest, len(items))
	copy(requests, items)

	sessionID := o.newID()
	table, err := o.sessions.Create(sessionID, requests)
	if err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}

	o.recorder.BatchSubmitted(len(requests))
	o.logger.Info("バッチを受け付けました", "session_id", sessionID, "items", len(requests))

	// 呼び出し元のキャンセルはバックグラウンド処理に伝播させない
	bgCtx := context.WithoutCancel(ctx)
	var progress *ProgressLogger
	if o.progressLog > 0 {
		progress = NewProgressLogger(o.logger, o.progressLog)
		if err := o.broadcaster.Attach(bgCtx, sessionID, progress); err != nil {
			o.logger.Warn("進捗ログの購読に失敗しました", "session_id", sessionID, "error", err)
		}
	}
	o.broadcaster.Publish(bgCtx, sessionID)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.runBatch(bgCtx, table, requests)
		if progress != nil {
			o.broadcaster.Detach(sessionID, progress.ID())
		}
	}()

	return sessionID, nil
}

func (o *Orchestrator) runBatch(ctx context.Context, table *SessionTable, requests []EstimationRequest) {
	start := time.Now()

	var g errgroup.Group
	if o.maxInFlight > 0 {
		g.SetLimit(o.maxInFlight)
	}

	for i, req := range requests {
		g.Go(func() error {
			o.pipeline.Run(ctx, table, i, req)
			return nil
		})
	}
	_ = g.Wait()

	counts := table.Snapshot().Counts()
	o.logger.Info("バッチの処理が完了",
		"session_id", table.ID(),
		"completed", counts[StatusCompleted],
		"failed", counts[StatusFailed],
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
}

// Status はセッションの現在のスナップショットを返す
func (o *Orchestrator) Status(sessionID string) (Snapshot, error) {
	return o.sessions.Snapshot(sessionID)
}

// Wait は起動済みのすべてのバッチが終わるまで待つ
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// WaitContext は Wait と同様に待つが、ctx が先に終わった場合はそのエラーを返す
func (o *Orchestrator) WaitContext(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Broadcaster は購読者の登録先を返す
func (o *Orchestrator) Broadcaster() *Broadcaster {
	return o.broadcaster
}
