package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jinford/dev-estimate/internal/core/estimation"
)

// defaultWriteWait は ctx に期限がない場合の書き込み期限
const defaultWriteWait = 10 * time.Second

// wsObserver は WebSocket 接続へスナップショットを送る購読者
type wsObserver struct {
	id   string
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func newWSObserver(conn *websocket.Conn) *wsObserver {
	return &wsObserver{id: "ws-" + uuid.NewString(), conn: conn}
}

func (o *wsObserver) ID() string {
	return o.id
}

// Send はスナップショットを JSON テキストフレームとして書き込む
func (o *wsObserver) Send(ctx context.Context, snapshot estimation.Snapshot) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return errors.New("websocket connection closed")
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultWriteWait)
	}
	if err := o.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := o.conn.WriteJSON(snapshot); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

func (o *wsObserver) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	_ = o.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	_ = o.conn.Close()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionID")

	// アップグレード前に存在確認する
	if _, err := s.orchestrator.Status(sessionID); err != nil {
		if errors.Is(err, estimation.ErrUnknownSession) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade がエラーレスポンスを書き込み済み
		s.logger.Warn("WebSocketのアップグレードに失敗しました", "session_id", sessionID, "error", err)
		return
	}

	observer := newWSObserver(conn)
	logger := s.logger.With("session_id", sessionID, "observer_id", observer.ID())
	broadcaster := s.orchestrator.Broadcaster()

	if err := broadcaster.Attach(context.WithoutCancel(r.Context()), sessionID, observer); err != nil {
		logger.Warn("購読者の登録に失敗しました", "error", err)
		observer.close()
		return
	}
	logger.Debug("WebSocket購読者を登録しました")

	defer func() {
		broadcaster.Detach(sessionID, observer.ID())
		observer.close()
		logger.Debug("WebSocket購読者を解除しました")
	}()

	// クライアントからのメッセージは読み捨てる。読み込みエラーで切断とみなす。
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("WebSocket接続が切断されました", "error", err)
			}
			return
		}
	}
}
