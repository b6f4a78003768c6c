package bedrock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/jinford/dev-estimate/internal/core/estimation"
)

const providerName = "bedrock"

// ErrEmptyCompletion は応答にテキストが含まれない場合のエラー
var ErrEmptyCompletion = errors.New("empty completion")

// converseAPI は bedrockruntime.Client のうち使用するメソッド
type converseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Client は AWS Bedrock の Converse API を使用したテキスト生成の実装
type Client struct {
	api    converseAPI
	model  string
	logger *slog.Logger
}

// ClientOption は Client のオプション
type ClientOption func(*Client)

// WithModel はリクエストでモデルが指定されなかった場合のモデルIDを設定する
func WithModel(model string) ClientOption {
	return func(c *Client) {
		c.model = model
	}
}

// WithLogger はロガーを差し替える
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient は AWS のデフォルト認証情報チェーンから Client を作成する
func NewClient(ctx context.Context, region string, opts ...ClientOption) (*Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return newClient(bedrockruntime.NewFromConfig(cfg), opts...), nil
}

func newClient(api converseAPI, opts ...ClientOption) *Client {
	c := &Client{
		api:    api,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Generate はシステムプロンプトとユーザーメッセージからテキストを生成する。
// 失敗時は *estimation.GenerationError を返す。
func (c *Client) Generate(ctx context.Context, req estimation.GenerationRequest) (string, error) {
	model := c.model
	if req.Config.Model != "" {
		model = req.Config.Model
	}
	if model == "" {
		return "", &estimation.GenerationError{Provider: providerName, Cause: errors.New("model id is not set")}
	}

	out, err := c.api.Converse(ctx, buildInput(model, req))
	if err != nil {
		return "", &estimation.GenerationError{Provider: providerName, Cause: fmt.Errorf("converse %s: %w", model, err)}
	}

	text := extractText(out)
	if text == "" {
		return "", &estimation.GenerationError{Provider: providerName, Cause: ErrEmptyCompletion}
	}

	if out.Usage != nil {
		c.logger.Debug("Bedrockの生成が完了",
			"model", model,
			"input_tokens", aws.ToInt32(out.Usage.InputTokens),
			"output_tokens", aws.ToInt32(out.Usage.OutputTokens),
		)
	}
	return text, nil
}

func buildInput(model string, req estimation.GenerationRequest) *bedrockruntime.ConverseInput {
	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(model),
		Messages: []types.Message{
			{
				Role: types.ConversationRoleUser,
				Content: []types.ContentBlock{
					&types.ContentBlockMemberText{Value: strings.Join(req.UserMessages, "\n\n")},
				},
			},
		},
		InferenceConfig: &types.InferenceConfiguration{
			Temperature: aws.Float32(float32(req.Config.Temperature)),
		},
	}
	if req.SystemPrompt != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: req.SystemPrompt},
		}
	}
	if req.Config.MaxTokens > 0 {
		input.InferenceConfig.MaxTokens = aws.Int32(int32(req.Config.MaxTokens))
	}
	return input
}

func extractText(out *bedrockruntime.ConverseOutput) string {
	if out == nil {
		return ""
	}
	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return ""
	}

	var parts []string
	for _, block := range msg.Value.Content {
		if text, ok := block.(*types.ContentBlockMemberText); ok {
			parts = append(parts, text.Value)
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

// インターフェース実装の確認
var _ estimation.TextGenerator = (*Client)(nil)
