package estimation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const reportWithTotal = "| Work item | E |\n|---|---|\n| API | 4 |\n\nTotal: 6 months\n"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{AddSource: false}))
}

type fetcherFunc func(ctx context.Context, source string) (Document, error)

func (f fetcherFunc) Fetch(ctx context.Context, source string) (Document, error) {
	return f(ctx, source)
}

type generatorFunc func(ctx context.Context, req GenerationRequest) (string, error)

func (f generatorFunc) Generate(ctx context.Context, req GenerationRequest) (string, error) {
	return f(ctx, req)
}

func okFetcher() fetcherFunc {
	return func(ctx context.Context, source string) (Document, error) {
		return Document{Title: "Page " + source, Content: "# Requirements for " + source}, nil
	}
}

// isEstimateRequest は2段目（PERT見積もり）の生成リクエストかどうかを判定する
func isEstimateRequest(req GenerationRequest) bool {
	for _, m := range req.UserMessages {
		if strings.Contains(m, "PERT Template:") {
			return true
		}
	}
	return false
}

func okGenerator(estimate string) generatorFunc {
	return func(ctx context.Context, req GenerationRequest) (string, error) {
		if isEstimateRequest(req) {
			return estimate, nil
		}
		return "## Summary\nanalysis notes", nil
	}
}

type memArtifacts struct {
	mu    sync.Mutex
	items map[ArtifactKey]string
	err   error
}

func newMemArtifacts() *memArtifacts {
	return &memArtifacts{items: make(map[ArtifactKey]string)}
}

func (m *memArtifacts) Store(ctx context.Context, key ArtifactKey, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.items[key] = text
	return nil
}

func (m *memArtifacts) Load(ctx context.Context, key ArtifactKey) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	text, ok := m.items[key]
	if !ok {
		return "", ErrArtifactNotFound
	}
	return text, nil
}

type recordingObserver struct {
	id string

	mu        sync.Mutex
	snapshots []Snapshot
	broken    bool
}

func newRecordingObserver(id string) *recordingObserver {
	return &recordingObserver{id: id}
}

func (o *recordingObserver) ID() string { return o.id }

func (o *recordingObserver) Send(ctx context.Context, snapshot Snapshot) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.broken {
		return errors.New("broken pipe")
	}
	o.snapshots = append(o.snapshots, snapshot)
	return nil
}

func (o *recordingObserver) breakConnection() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.broken = true
}

func (o *recordingObserver) Snapshots() []Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Snapshot, len(o.snapshots))
	copy(out, o.snapshots)
	return out
}

func (o *recordingObserver) Count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.snapshots)
}

func (o *recordingObserver) Last() (Snapshot, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.snapshots) == 0 {
		return Snapshot{}, false
	}
	return o.snapshots[len(o.snapshots)-1], true
}

// statuses は index の項目について観測した状態列を返す（連続する重複は除く）
func (o *recordingObserver) statuses(index int) []Status {
	var seq []Status
	for _, s := range o.Snapshots() {
		if index >= len(s.Results) {
			continue
		}
		st := s.Results[index].Status
		if len(seq) == 0 || seq[len(seq)-1] != st {
			seq = append(seq, st)
		}
	}
	return seq
}

var forwardOrder = []Status{
	StatusPending,
	StatusFetching,
	StatusGeneratingAnalysis,
	StatusGeneratingEstimate,
	StatusCompleted,
}

// assertForwardSequence は状態列が前進順の接頭辞（末尾に Failed が付くことがある）であることを検証する
func assertForwardSequence(t *testing.T, seq []Status) {
	t.Helper()
	require.NotEmpty(t, seq)

	body := seq
	if seq[len(seq)-1] == StatusFailed {
		body = seq[:len(seq)-1]
		require.NotEmpty(t, body, "failed must follow at least one observed state")
		assert.NotEqual(t, StatusCompleted, body[len(body)-1])
	}
	require.LessOrEqual(t, len(body), len(forwardOrder))
	assert.Equal(t, forwardOrder[:len(body)], body)
}

type stubPublisher struct {
	mu    sync.Mutex
	calls int
	then  func()
}

func (p *stubPublisher) Publish(ctx context.Context, sessionID string) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.then != nil {
		p.then()
	}
}

type countingRecorder struct {
	mu        sync.Mutex
	finished  map[Status]int
	stages    map[Status]int
	attached  int
	detached  int
	delivered int
	dropped   int
	batches   int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{
		finished: make(map[Status]int),
		stages:   make(map[Status]int),
	}
}

func (r *countingRecorder) BatchSubmitted(items int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches++
}

func (r *countingRecorder) StageObserved(stage Status, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages[stage]++
}

func (r *countingRecorder) ItemFinished(status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished[status]++
}

func (r *countingRecorder) ObserverAttached() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attached++
}

func (r *countingRecorder) ObserverDetached() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detached++
}

func (r *countingRecorder) SnapshotDelivered(ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ok {
		r.delivered++
	} else {
		r.dropped++
	}
}

func newTestPromptBuilder(t *testing.T) *PromptBuilder {
	t.Helper()
	p, err := NewPromptBuilder()
	require.NoError(t, err)
	return p
}

func newTestStore(t *testing.T) *SessionStore {
	t.Helper()
	store := NewSessionStore(0)
	t.Cleanup(store.Close)
	return store
}
