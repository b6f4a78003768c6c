package estimation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// BatchProgress はバッチの進捗状況
type BatchProgress struct {
	SessionID   string
	Total       int
	Completed   int
	Failed      int
	InProgress  int
	ElapsedTime time.Duration
}

// String はプログレスを文字列表現で返す
func (p BatchProgress) String() string {
	finished := p.Completed + p.Failed
	percentage := 0.0
	if p.Total > 0 {
		percentage = float64(finished) / float64(p.Total) * 100
	}
	return fmt.Sprintf(
		"Progress: %d/%d (%.1f%%) | Failed: %d | Running: %d | Elapsed: %s",
		finished,
		p.Total,
		percentage,
		p.Failed,
		p.InProgress,
		p.ElapsedTime.Round(time.Second),
	)
}

// ProgressFromSnapshot はスナップショットから進捗を集計する
func ProgressFromSnapshot(snapshot Snapshot, elapsed time.Duration) BatchProgress {
	counts := snapshot.Counts()
	total := len(snapshot.Results)
	return BatchProgress{
		SessionID:   snapshot.SessionID,
		Total:       total,
		Completed:   counts[StatusCompleted],
		Failed:      counts[StatusFailed],
		InProgress:  total - counts[StatusCompleted] - counts[StatusFailed] - counts[StatusPending],
		ElapsedTime: elapsed,
	}
}

// ProgressLogger はスナップショットを受け取り、バッチの進捗をログに出力する購読者。
// interval 内の連続した出力は間引き、全項目の終了時は必ず出力する。
type ProgressLogger struct {
	id        string
	logger    *slog.Logger
	interval  time.Duration
	startTime time.Time

	mu          sync.Mutex
	lastLogTime time.Time
	lastLogged  BatchProgress
}

// NewProgressLogger は新しい ProgressLogger を作成する
func NewProgressLogger(logger *slog.Logger, interval time.Duration) *ProgressLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProgressLogger{
		id:        "progress-" + uuid.NewString(),
		logger:    logger,
		interval:  interval,
		startTime: time.Now(),
	}
}

// ID は購読者IDを返す
func (pl *ProgressLogger) ID() string {
	return pl.id
}

// Send は進捗をログに出力する。失敗することはない。
func (pl *ProgressLogger) Send(_ context.Context, snapshot Snapshot) error {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	progress := ProgressFromSnapshot(snapshot, time.Since(pl.startTime))
	done := snapshot.Done()

	now := time.Now()
	if !done && now.Sub(pl.lastLogTime) < pl.interval {
		return nil
	}
	if progress.Completed == pl.lastLogged.Completed &&
		progress.Failed == pl.lastLogged.Failed &&
		progress.InProgress == pl.lastLogged.InProgress &&
		!pl.lastLogTime.IsZero() {
		// 件数に変化がなければ出力しない
		return nil
	}

	pl.lastLogTime = now
	pl.lastLogged = progress

	if done {
		pl.logger.Info("[Batch Complete] "+progress.String(), "session_id", progress.SessionID)
		return nil
	}
	pl.logger.Info("[Batch Progress] "+progress.String(), "session_id", progress.SessionID)
	return nil
}

var _ Observer = (*ProgressLogger)(nil)
