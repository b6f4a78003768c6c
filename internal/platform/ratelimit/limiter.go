package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// refillInterval はトークン切れの際の再確認間隔
const refillInterval = time.Second

// Limiter は生成API呼び出しの同時実行数と1分あたりの呼び出し数を制限する
type Limiter struct {
	mu sync.Mutex

	// requestsPerMinute は1分あたりの最大リクエスト数（0以下で無制限）
	requestsPerMinute int

	// tokens はトークンバケット
	tokens int

	// lastRefill は最後にトークンを補充した時刻
	lastRefill time.Time

	// waiting はトークン待ちのリクエスト数
	waiting int

	// slots は同時実行数を制御するセマフォ
	slots chan struct{}
}

// New は新しい Limiter を作成する。
// concurrency は同時実行数の上限（1未満の場合は1）、requestsPerMinute は0以下で無制限。
func New(concurrency, requestsPerMinute int) *Limiter {
	if concurrency < 1 {
		concurrency = 1
	}
	if requestsPerMinute < 0 {
		requestsPerMinute = 0
	}
	return &Limiter{
		requestsPerMinute: requestsPerMinute,
		tokens:            requestsPerMinute,
		lastRefill:        time.Now(),
		slots:             make(chan struct{}, concurrency),
	}
}

// Wait は実行枠とトークンを取得するまで待機する。
// ctx がキャンセルされた場合は ctx.Err() を返し、枠は保持しない。
func (l *Limiter) Wait(ctx context.Context) error {
	select {
	case l.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	if l.requestsPerMinute == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for {
		l.refillLocked()
		if l.tokens > 0 {
			l.tokens--
			return nil
		}

		l.waiting++
		l.mu.Unlock()

		select {
		case <-time.After(refillInterval):
		case <-ctx.Done():
			l.mu.Lock()
			l.waiting--
			<-l.slots
			return ctx.Err()
		}

		l.mu.Lock()
		l.waiting--
	}
}

// Release は実行枠を解放する。Wait が成功した呼び出しごとに1回呼ぶこと。
func (l *Limiter) Release() {
	<-l.slots
}

// refillLocked は経過時間に応じてトークンを補充する。呼び出し側で mu を取得していること。
func (l *Limiter) refillLocked() {
	elapsed := time.Since(l.lastRefill)
	if elapsed < time.Minute {
		return
	}

	minutes := int(elapsed.Minutes())
	l.tokens = min(l.tokens+minutes*l.requestsPerMinute, l.requestsPerMinute)
	l.lastRefill = l.lastRefill.Add(time.Duration(minutes) * time.Minute)
}

// Status は現在の状態を返す
func (l *Limiter) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.requestsPerMinute > 0 {
		l.refillLocked()
	}

	return Status{
		Concurrency:       cap(l.slots),
		RequestsPerMinute: l.requestsPerMinute,
		AvailableTokens:   l.tokens,
		Waiting:           l.waiting,
		Active:            len(l.slots),
	}
}

// Status は Limiter の状態
type Status struct {
	Concurrency       int
	RequestsPerMinute int
	AvailableTokens   int
	Waiting           int
	Active            int
}

// String はステータスを文字列表現で返す
func (s Status) String() string {
	rpm := "unlimited"
	if s.RequestsPerMinute > 0 {
		rpm = fmt.Sprintf("%d/min", s.RequestsPerMinute)
	}
	return fmt.Sprintf(
		"Limiter: concurrency=%d, rate=%s, available=%d, waiting=%d, active=%d",
		s.Concurrency,
		rpm,
		s.AvailableTokens,
		s.Waiting,
		s.Active,
	)
}
