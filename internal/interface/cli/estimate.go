package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/samber/mo"
	"github.com/urfave/cli/v3"

	"github.com/jinford/dev-estimate/internal/core/estimation"
	"github.com/jinford/dev-estimate/internal/core/sizing"
	"github.com/jinford/dev-estimate/internal/platform/config"
)

// titleFetcher は名前が省略された項目のタイトルを解決する
type titleFetcher interface {
	Title(ctx context.Context, source string) (string, error)
}

// EstimateRunAction は見積もりバッチをこのプロセス内で実行し、進捗を表形式で表示する
func EstimateRunAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	ballpark := cmd.String("ballpark")
	model := cmd.String("model")
	asJSON := cmd.Bool("json")

	args := cmd.Args().Slice()
	if len(args) == 0 {
		return errors.New("少なくとも1つのURLを指定してください")
	}

	appCtx, err := NewAppContext(ctx, envFile, withModel(model))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	c := appCtx.Container
	items, err := parseItems(ctx, args, ballpark, c.Titles)
	if err != nil {
		return err
	}

	out := cmd.Root().Writer
	if out == nil {
		out = os.Stdout
	}

	live := out
	if asJSON {
		live = io.Discard
	}

	snap, err := runBatch(ctx, c.Orchestrator, items, live)
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}

	fmt.Fprintf(out, "\nセッションID: %s\n", snap.SessionID)
	if appCtx.Config.Artifact.Backend == config.ArtifactBackendFilesystem {
		fmt.Fprintf(out, "生成物の保存先: %s\n", appCtx.Config.Artifact.Dir)
	}

	if failed := snap.Counts()[estimation.StatusFailed]; failed > 0 {
		return fmt.Errorf("%d件の見積もりが失敗しました", failed)
	}
	return nil
}

// runBatch はバッチを登録し、すべての項目が終端状態になるまで表を描画し続ける
func runBatch(ctx context.Context, orchestrator *estimation.Orchestrator, items []estimation.EstimationRequest, w io.Writer) (estimation.Snapshot, error) {
	sessionID, err := orchestrator.Submit(ctx, items)
	if err != nil {
		return estimation.Snapshot{}, fmt.Errorf("バッチの登録に失敗: %w", err)
	}

	observer := newTableObserver(w)
	broadcaster := orchestrator.Broadcaster()
	if err := broadcaster.Attach(ctx, sessionID, observer); err != nil {
		return estimation.Snapshot{}, fmt.Errorf("進捗の購読に失敗: %w", err)
	}
	defer broadcaster.Detach(sessionID, observer.ID())

	select {
	case <-observer.Done():
	case <-ctx.Done():
		return estimation.Snapshot{}, ctx.Err()
	}

	return orchestrator.Status(sessionID)
}

// parseItems は "[name=]url" 形式の引数を見積もり依頼に変換する。
// 名前が省略された場合はページ/課題のタイトルを名前とする。
func parseItems(ctx context.Context, args []string, ballpark string, titles titleFetcher) ([]estimation.EstimationRequest, error) {
	hint := mo.None[string]()
	if b := strings.TrimSpace(ballpark); b != "" {
		hint = mo.Some(b)
	}

	items := make([]estimation.EstimationRequest, 0, len(args))
	for _, arg := range args {
		name, url := splitItemArg(arg)
		if url == "" {
			return nil, fmt.Errorf("URLが空です: %q", arg)
		}

		if name == "" {
			if titles == nil {
				return nil, fmt.Errorf("名前を解決できません。name=URL の形式で指定してください: %s", url)
			}
			title, err := titles.Title(ctx, url)
			if err != nil {
				return nil, fmt.Errorf("タイトルの取得に失敗: %w", err)
			}
			name = title
		}

		items = append(items, estimation.EstimationRequest{URL: url, Name: name, Ballpark: hint})
	}
	return items, nil
}

// splitItemArg は "name=https://..." を名前とURLに分ける。
// URL のクエリにも "=" が含まれるため、"=" の後ろが http(s) で始まる場合のみ分割する。
func splitItemArg(arg string) (name, url string) {
	arg = strings.TrimSpace(arg)
	if i := strings.Index(arg, "="); i > 0 {
		rest := strings.TrimSpace(arg[i+1:])
		if strings.HasPrefix(rest, "http://") || strings.HasPrefix(rest, "https://") {
			return strings.TrimSpace(arg[:i]), rest
		}
	}
	return "", arg
}

// EstimateClassifyAction は見積もりレポートから合計期間とサイズを判定する
func EstimateClassifyAction(ctx context.Context, cmd *cli.Command) error {
	path := cmd.String("file")

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("ファイルの読み込みに失敗: %w", err)
	}

	out := cmd.Root().Writer
	if out == nil {
		out = os.Stdout
	}

	classifier := sizing.NewClassifier()
	weeks, ok := classifier.Classify(string(data)).Get()
	if !ok {
		fmt.Fprintln(out, "合計期間を判定できませんでした")
		return nil
	}

	fmt.Fprintf(out, "合計期間: %.2f 週\n", weeks)
	fmt.Fprintf(out, "サイズ: %s\n", classifier.Bucket(weeks))
	return nil
}
