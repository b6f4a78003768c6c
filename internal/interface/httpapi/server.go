package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/mo"

	"github.com/jinford/dev-estimate/internal/core/estimation"
)

// shutdownTimeout はグレースフルシャットダウンの待ち時間
const shutdownTimeout = 15 * time.Second

// TitleFetcher はURLからページタイトルを取得する
type TitleFetcher interface {
	Title(ctx context.Context, source string) (string, error)
}

// Server は見積もりバッチの HTTP / WebSocket 窓口
type Server struct {
	orchestrator *estimation.Orchestrator
	artifacts    estimation.ArtifactStore
	titles       TitleFetcher
	metrics      http.Handler
	logger       *slog.Logger
	upgrader     websocket.Upgrader
}

// Option は Server のオプション
type Option func(*Server)

// WithLogger はロガーを差し替える
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithTitleFetcher はタイトル取得エンドポイントを有効にする
func WithTitleFetcher(titles TitleFetcher) Option {
	return func(s *Server) {
		s.titles = titles
	}
}

// WithMetricsHandler は /metrics で公開するハンドラを設定する
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// NewServer は新しい Server を作成する
func NewServer(orchestrator *estimation.Orchestrator, artifacts estimation.ArtifactStore, opts ...Option) *Server {
	s := &Server{
		orchestrator: orchestrator,
		artifacts:    artifacts,
		logger:       slog.Default(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// 全オリジンを許可する
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler はルーティング済みのハンドラを返す
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/estimations", s.handleSubmit)
	mux.HandleFunc("GET /api/estimations/{sessionID}", s.handleSnapshot)
	mux.HandleFunc("GET /api/estimations/{sessionID}/ws", s.handleWebSocket)
	mux.HandleFunc("GET /api/estimations/{sessionID}/items/{name}/artifacts/{kind}", s.handleArtifact)
	if s.titles != nil {
		mux.HandleFunc("GET /api/title", s.handleTitle)
	}
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return withCORS(mux)
}

// ListenAndServe は ctx がキャンセルされるまでサーバを動かす
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTPサーバを起動します", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("failed to serve http: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("HTTPサーバを停止します")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown http server: %w", err)
	}
	return nil
}

type itemPayload struct {
	URL      string  `json:"url"`
	Name     string  `json:"name"`
	Ballpark *string `json:"ballpark,omitempty"`
}

type submitRequest struct {
	Items []itemPayload `json:"items"`
}

type submitResponse struct {
	SessionID string `json:"sessionId"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	items := make([]estimation.EstimationRequest, len(body.Items))
	for i, it := range body.Items {
		items[i] = estimation.EstimationRequest{
			URL:      it.URL,
			Name:     it.Name,
			Ballpark: ballpark(it.Ballpark),
		}
	}

	sessionID, err := s.orchestrator.Submit(r.Context(), items)
	if err != nil {
		if errors.Is(err, estimation.ErrEmptyBatch) || errors.Is(err, estimation.ErrInvalidRequest) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		s.logger.Error("バッチの登録に失敗しました", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{SessionID: sessionID})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.orchestrator.Status(r.PathValue("sessionID"))
	if err != nil {
		if errors.Is(err, estimation.ErrUnknownSession) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	kind, ok := estimation.ParseArtifactKind(r.PathValue("kind"))
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown artifact kind: %q", r.PathValue("kind")))
		return
	}

	key := estimation.ArtifactKey{
		SessionID: r.PathValue("sessionID"),
		ItemName:  r.PathValue("name"),
		Kind:      kind,
	}
	text, err := s.artifacts.Load(r.Context(), key)
	if err != nil {
		if errors.Is(err, estimation.ErrArtifactNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		s.logger.Error("生成物の取得に失敗しました", "session_id", key.SessionID, "item", key.ItemName, "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(text))
}

func (s *Server) handleTitle(w http.ResponseWriter, r *http.Request) {
	source := r.URL.Query().Get("url")
	if source == "" {
		writeError(w, http.StatusBadRequest, errors.New("url is required"))
		return
	}

	title, err := s.titles.Title(r.Context(), source)
	if err != nil {
		s.logger.Warn("タイトルの取得に失敗しました", "url", source, "error", err)
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"title": title})
}

// ballpark は空文字を未指定として扱う
func ballpark(v *string) mo.Option[string] {
	if v == nil || strings.TrimSpace(*v) == "" {
		return mo.None[string]()
	}
	return mo.Some(strings.TrimSpace(*v))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// withCORS はすべてのオリジンからのアクセスを許可する
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
