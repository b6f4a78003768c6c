package estimation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// SessionTable はセッション単位の結果テーブル。
// 行数はバッチ作成時に固定され、各パイプラインは自分のインデックスのみを書き換える。
type SessionTable struct {
	id        string
	createdAt time.Time

	mu      sync.RWMutex
	results []EstimationResult
}

func newSessionTable(id string, requests []EstimationRequest) *SessionTable {
	results := make([]EstimationResult, len(requests))
	for i, req := range requests {
		results[i] = EstimationResult{
			Index:    i,
			Name:     req.Name,
			Status:   StatusPending,
			Progress: progressPending,
		}
	}
	return &SessionTable{
		id:        id,
		createdAt: time.Now(),
		results:   results,
	}
}

// ID はセッションIDを返す
func (t *SessionTable) ID() string {
	return t.id
}

// CreatedAt はテーブルの作成時刻を返す
func (t *SessionTable) CreatedAt() time.Time {
	return t.createdAt
}

// Len は行数を返す
func (t *SessionTable) Len() int {
	return len(t.results)
}

// Result は指定インデックスの結果の写しを返す
func (t *SessionTable) Result(index int) (EstimationResult, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if index < 0 || index >= len(t.results) {
		return EstimationResult{}, false
	}
	return t.results[index].clone(), true
}

// Snapshot はテーブル全体の写しを返す
func (t *SessionTable) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	results := make([]EstimationResult, len(t.results))
	for i, r := range t.results {
		results[i] = r.clone()
	}
	return Snapshot{SessionID: t.id, Results: results}
}

// transition は index の行を next に遷移させ、mutate で追加のフィールドを更新する。
// 前進1段または Failed への遷移以外はエラーになる。
func (t *SessionTable) transition(index int, next Status, progress string, mutate func(*EstimationResult)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if index < 0 || index >= len(t.results) {
		return fmt.Errorf("session %s: index %d out of range", t.id, index)
	}

	r := &t.results[index]
	if !r.Status.CanTransitionTo(next) {
		return fmt.Errorf("session %s: item %d cannot transition from %s to %s", t.id, index, r.Status, next)
	}

	r.Status = next
	r.Progress = progress
	if mutate != nil {
		mutate(r)
	}
	return nil
}

// SessionStore はセッションIDごとの結果テーブルを保持する。
// TTL を過ぎたセッションは破棄され、以降は未知のセッションとして扱われる。
type SessionStore struct {
	cache     *ttlcache.Cache[string, *SessionTable]
	closeOnce sync.Once
}

// NewSessionStore は新しい SessionStore を作成する。ttl が0以下の場合は破棄しない。
func NewSessionStore(ttl time.Duration) *SessionStore {
	if ttl < 0 {
		ttl = 0
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[string, *SessionTable](ttl),
		// 参照では期限を延長しない（作成時刻から ttl で破棄）
		ttlcache.WithDisableTouchOnHit[string, *SessionTable](),
	)
	go cache.Start()

	return &SessionStore{cache: cache}
}

// Create は新しいセッションのテーブルを作成する
func (s *SessionStore) Create(id string, requests []EstimationRequest) (*SessionTable, error) {
	table := newSessionTable(id, requests)
	if _, found := s.cache.GetOrSet(id, table); found {
		return nil, fmt.Errorf("session %s already exists", id)
	}
	return table, nil
}

// Get はセッションのテーブルを返す
func (s *SessionStore) Get(id string) (*SessionTable, bool) {
	item := s.cache.Get(id)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

// Snapshot はセッションの現在のスナップショットを返す
func (s *SessionStore) Snapshot(id string) (Snapshot, error) {
	table, ok := s.Get(id)
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return table.Snapshot(), nil
}

// Len は保持しているセッション数を返す
func (s *SessionStore) Len() int {
	return s.cache.Len()
}

// OnEvict はセッション破棄時に呼ばれるコールバックを登録する
func (s *SessionStore) OnEvict(fn func(id string)) {
	s.cache.OnEviction(func(_ context.Context, _ ttlcache.EvictionReason, item *ttlcache.Item[string, *SessionTable]) {
		fn(item.Key())
	})
}

// Close は期限切れセッションの掃除を停止する
func (s *SessionStore) Close() {
	s.closeOnce.Do(s.cache.Stop)
}
