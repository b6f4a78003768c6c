package estimation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultSendTimeout は1購読者への送信タイムアウトのデフォルト値
const DefaultSendTimeout = 10 * time.Second

// sessionHub はセッションごとの購読者集合。
// mu は購読者の登録・解除とスナップショット配信を直列化する。
type sessionHub struct {
	mu        sync.Mutex
	observers map[string]Observer
}

// Broadcaster はセッションの購読者へスナップショットを配信する
type Broadcaster struct {
	sessions    *SessionStore
	logger      *slog.Logger
	recorder    Recorder
	sendTimeout time.Duration

	mu   sync.Mutex
	hubs map[string]*sessionHub
}

// BroadcasterOption は Broadcaster のオプション
type BroadcasterOption func(*Broadcaster)

// WithBroadcasterLogger はロガーを差し替える
func WithBroadcasterLogger(logger *slog.Logger) BroadcasterOption {
	return func(b *Broadcaster) {
		b.logger = logger
	}
}

// WithBroadcasterRecorder はメトリクスの記録先を差し替える
func WithBroadcasterRecorder(recorder Recorder) BroadcasterOption {
	return func(b *Broadcaster) {
		b.recorder = recorder
	}
}

// WithSendTimeout は1購読者あたりの送信タイムアウトを設定する（0以下で無制限）
func WithSendTimeout(d time.Duration) BroadcasterOption {
	return func(b *Broadcaster) {
		b.sendTimeout = d
	}
}

// NewBroadcaster は新しい Broadcaster を作成する
func NewBroadcaster(sessions *SessionStore, opts ...BroadcasterOption) *Broadcaster {
	b := &Broadcaster{
		sessions:    sessions,
		logger:      slog.Default(),
		recorder:    nopRecorder{},
		sendTimeout: DefaultSendTimeout,
		hubs:        make(map[string]*sessionHub),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broadcaster) hub(sessionID string, create bool) *sessionHub {
	b.mu.Lock()
	defer b.mu.Unlock()

	h, ok := b.hubs[sessionID]
	if !ok && create {
		h = &sessionHub{observers: make(map[string]Observer)}
		b.hubs[sessionID] = h
	}
	return h
}

// lockLiveHub は登録済みの hub をロックして返す。
// ロック取得までの間に空になって破棄された hub は使わず、作り直す。
func (b *Broadcaster) lockLiveHub(sessionID string) *sessionHub {
	for {
		h := b.hub(sessionID, true)
		h.mu.Lock()

		b.mu.Lock()
		live := b.hubs[sessionID] == h
		b.mu.Unlock()
		if live {
			return h
		}
		h.mu.Unlock()
	}
}

// dropIfEmptyLocked は購読者がいなくなった hub を破棄する。呼び出し側で h.mu を取得していること。
func (b *Broadcaster) dropIfEmptyLocked(h *sessionHub, sessionID string) {
	if len(h.observers) > 0 {
		return
	}
	b.mu.Lock()
	if b.hubs[sessionID] == h {
		delete(b.hubs, sessionID)
	}
	b.mu.Unlock()
}

// Attach は購読者を登録する。
// セッションのテーブルが既に存在する場合は、その場で現在のスナップショットを1回送信する。
// 送信に失敗した場合、購読者は登録されずエラーを返す。
func (b *Broadcaster) Attach(ctx context.Context, sessionID string, observer Observer) error {
	h := b.lockLiveHub(sessionID)
	defer h.mu.Unlock()

	h.observers[observer.ID()] = observer
	b.recorder.ObserverAttached()

	table, ok := b.sessions.Get(sessionID)
	if !ok {
		return nil
	}

	if err := b.send(ctx, observer, table.Snapshot()); err != nil {
		b.evictLocked(h, sessionID, observer.ID(), err)
		return fmt.Errorf("initial snapshot to observer %s: %w", observer.ID(), err)
	}
	return nil
}

// Detach は購読者の登録を解除する
func (b *Broadcaster) Detach(sessionID, observerID string) {
	h := b.hub(sessionID, false)
	if h == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.observers[observerID]; ok {
		delete(h.observers, observerID)
		b.recorder.ObserverDetached()
	}
	b.dropIfEmptyLocked(h, sessionID)
}

// Publish はセッションの現在のスナップショットを全購読者へ送信する。
// 購読者がいない場合は何もしない。送信に失敗した購読者は登録から外す。
func (b *Broadcaster) Publish(ctx context.Context, sessionID string) {
	h := b.hub(sessionID, false)
	if h == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.observers) == 0 {
		return
	}

	table, ok := b.sessions.Get(sessionID)
	if !ok {
		return
	}

	// スナップショットはロック内で取得し、配信順とテーブルの状態順を一致させる
	snapshot := table.Snapshot()
	for id, observer := range h.observers {
		if err := b.send(ctx, observer, snapshot); err != nil {
			b.evictLocked(h, sessionID, id, err)
		}
	}
}

// ObserverCount はセッションの購読者数を返す
func (b *Broadcaster) ObserverCount(sessionID string) int {
	h := b.hub(sessionID, false)
	if h == nil {
		return 0
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.observers)
}

func (b *Broadcaster) hubCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.hubs)
}

// Forget はセッションの購読者集合を破棄する
func (b *Broadcaster) Forget(sessionID string) {
	b.mu.Lock()
	h, ok := b.hubs[sessionID]
	delete(b.hubs, sessionID)
	b.mu.Unlock()

	if !ok {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for id := range h.observers {
		delete(h.observers, id)
		b.recorder.ObserverDetached()
	}
}

func (b *Broadcaster) send(ctx context.Context, observer Observer, snapshot Snapshot) error {
	if b.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.sendTimeout)
		defer cancel()
	}

	err := observer.Send(ctx, snapshot)
	b.recorder.SnapshotDelivered(err == nil)
	return err
}

// evictLocked は購読者を登録から外す。呼び出し側で h.mu を取得していること。
func (b *Broadcaster) evictLocked(h *sessionHub, sessionID, observerID string, cause error) {
	delete(h.observers, observerID)
	b.recorder.ObserverDetached()
	b.dropIfEmptyLocked(h, sessionID)
	b.logger.Warn("購読者への送信に失敗したため登録を解除",
		"session_id", sessionID,
		"observer_id", observerID,
		"error", cause,
	)
}
