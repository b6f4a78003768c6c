package cli

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"

	"github.com/jinford/dev-estimate/internal/interface/httpapi"
)

// ServerStartAction はHTTPサーバを起動するコマンドのアクション
func ServerStartAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	port := cmd.Int("port")

	// 共通コンテキストの初期化
	appCtx, err := NewAppContext(ctx, envFile, withPort(port))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	c := appCtx.Container
	opts := []httpapi.Option{
		httpapi.WithLogger(appCtx.Logger()),
		httpapi.WithMetricsHandler(promhttp.HandlerFor(c.Registry, promhttp.HandlerOpts{})),
	}
	if c.Titles != nil {
		opts = append(opts, httpapi.WithTitleFetcher(c.Titles))
	}
	server := httpapi.NewServer(c.Orchestrator, c.Artifacts, opts...)

	addr := fmt.Sprintf(":%d", appCtx.Config.Server.Port)
	return server.ListenAndServe(ctx, addr)
}
