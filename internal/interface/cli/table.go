package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"

	"github.com/jinford/dev-estimate/internal/core/estimation"
)

// tableObserver はスナップショットが変化するたびに結果表を描画する購読者
type tableObserver struct {
	id    string
	w     io.Writer
	start time.Time

	mu       sync.Mutex
	last     string
	done     chan struct{}
	doneOnce sync.Once
}

func newTableObserver(w io.Writer) *tableObserver {
	return &tableObserver{
		id:    "cli-" + uuid.NewString(),
		w:     w,
		start: time.Now(),
		done:  make(chan struct{}),
	}
}

func (o *tableObserver) ID() string {
	return o.id
}

// Done はすべての項目が終端状態になると閉じられる
func (o *tableObserver) Done() <-chan struct{} {
	return o.done
}

func (o *tableObserver) Send(_ context.Context, snapshot estimation.Snapshot) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	// 状態が変わらない再送は描画しない
	key := fingerprint(snapshot)
	if key == o.last {
		return nil
	}
	o.last = key

	if err := renderTable(o.w, snapshot); err != nil {
		return err
	}
	fmt.Fprintln(o.w, estimation.ProgressFromSnapshot(snapshot, time.Since(o.start)).String())

	if snapshot.Done() {
		o.doneOnce.Do(func() { close(o.done) })
	}
	return nil
}

func fingerprint(snapshot estimation.Snapshot) string {
	var b strings.Builder
	for _, r := range snapshot.Results {
		b.WriteString(string(r.Status))
		b.WriteByte('|')
	}
	return b.String()
}

// renderTable はスナップショットを表形式で書き出す
func renderTable(w io.Writer, snapshot estimation.Snapshot) error {
	table := tablewriter.NewWriter(w)
	table.Header("#", "名前", "状態", "進捗", "期間（週）", "サイズ", "エラー")

	for _, r := range snapshot.Results {
		weeks := "-"
		if r.DurationWeeks != nil {
			weeks = fmt.Sprintf("%.2f", *r.DurationWeeks)
		}
		size := "-"
		if r.SizeBucket != nil {
			size = string(*r.SizeBucket)
		}
		errMsg := ""
		if r.Error != nil {
			errMsg = truncate(*r.Error, 60)
		}
		if err := table.Append(
			fmt.Sprintf("%d", r.Index+1),
			r.Name,
			string(r.Status),
			r.Progress,
			weeks,
			size,
			errMsg,
		); err != nil {
			return fmt.Errorf("failed to append row: %w", err)
		}
	}

	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
