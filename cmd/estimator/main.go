package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	estimatecli "github.com/jinford/dev-estimate/internal/interface/cli"
)

func envFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:  "env",
		Usage: "環境変数ファイルパス",
		Value: ".env",
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:  "estimator",
		Usage: "Confluence / Jira の要件から PERT 見積もりをバッチ生成するツール",
		Commands: []*cli.Command{
			{
				Name:  "server",
				Usage: "HTTPサーバ管理コマンド",
				Commands: []*cli.Command{
					{
						Name:  "start",
						Usage: "HTTP / WebSocket サーバを起動",
						Flags: []cli.Flag{
							envFlag(),
							&cli.IntFlag{
								Name:  "port",
								Usage: "待ち受けポート（未指定の場合は SERVER_PORT）",
							},
						},
						Action: estimatecli.ServerStartAction,
					},
				},
			},
			{
				Name:  "estimate",
				Usage: "見積もりコマンド",
				Commands: []*cli.Command{
					{
						Name:      "run",
						Usage:     "見積もりバッチを実行し、進捗を表示",
						ArgsUsage: "[name=]URL...",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:  "ballpark",
								Usage: `目安となる期間（例: "30 manweeks"）`,
							},
							&cli.StringFlag{
								Name:  "model",
								Usage: "生成モデルを上書き",
							},
							&cli.BoolFlag{
								Name:  "json",
								Usage: "最終結果をJSONで出力",
							},
						},
						Action: estimatecli.EstimateRunAction,
					},
					{
						Name:  "classify",
						Usage: "見積もりレポートから合計期間とサイズを判定",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:     "file",
								Usage:    "見積もりレポート（Markdown）のパス",
								Required: true,
							},
						},
						Action: estimatecli.EstimateClassifyAction,
					},
				},
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
