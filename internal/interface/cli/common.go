package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jinford/dev-estimate/internal/platform/config"
	"github.com/jinford/dev-estimate/internal/platform/container"
	"github.com/jinford/dev-estimate/internal/platform/logger"
)

// shutdownTimeout は終了時に実行中のバッチを待つ時間
const shutdownTimeout = 30 * time.Second

// AppContext はコマンド実行に必要な共通コンテキストを保持する
type AppContext struct {
	Config    *config.Config
	Container *container.ServiceContainer
}

// ConfigOverride はコマンドラインから設定を上書きする
type ConfigOverride func(*config.Config)

// NewAppContext は設定ファイルを読み込み、依存関係を組み立てて AppContext を作成する
func NewAppContext(ctx context.Context, envFile string, overrides ...ConfigOverride) (*AppContext, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, fmt.Errorf("設定の読み込みに失敗: %w", err)
	}
	for _, override := range overrides {
		override(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定が不正です: %w", err)
	}

	appLogger := logger.New(logger.ParseConfig(cfg.Log.Level, cfg.Log.Format))

	cont, err := container.NewContainer(ctx, cfg, container.WithContainerLogger(appLogger))
	if err != nil {
		return nil, fmt.Errorf("コンテナの初期化に失敗: %w", err)
	}

	return &AppContext{
		Config:    cfg,
		Container: cont,
	}, nil
}

// Close は実行中のバッチを待ってからリソースをクリーンアップする
func (ac *AppContext) Close() {
	if ac.Container == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := ac.Container.Shutdown(ctx); err != nil {
		ac.Logger().Warn("終了処理でエラーが発生しました", "error", err)
	}
}

// Logger はAppContextのロガーを返す
func (ac *AppContext) Logger() *slog.Logger {
	if ac.Container != nil {
		return ac.Container.Logger()
	}
	return slog.Default()
}

// withModel は生成モデルを上書きする
func withModel(model string) ConfigOverride {
	return func(cfg *config.Config) {
		if model == "" {
			return
		}
		cfg.OpenAI.Model = model
		cfg.Bedrock.Model = model
	}
}

// withPort はHTTPポートを上書きする
func withPort(port int) ConfigOverride {
	return func(cfg *config.Config) {
		if port > 0 {
			cfg.Server.Port = port
		}
	}
}
