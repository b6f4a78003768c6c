package estimation

import (
	"embed"
	"fmt"
	"strings"
)

//go:embed prompts/*.md
var promptFS embed.FS

const (
	analystPersonaFile   = "prompts/analyst.md"
	engineerPersonaFile  = "prompts/engineer.md"
	estimateTemplateFile = "prompts/pert_template.md"

	// DefaultMaxContentTokens はプロンプトに含めるソースコンテンツの最大トークン数
	DefaultMaxContentTokens = 24000
)

// PromptBuilder は2段階の生成リクエストを組み立てる
type PromptBuilder struct {
	analystPersona   string
	engineerPersona  string
	estimateTemplate string

	counter          TokenCounter
	maxContentTokens int
}

// PromptOption は PromptBuilder のオプション
type PromptOption func(*PromptBuilder)

// WithTokenCounter はソースコンテンツの切り詰めに使う TokenCounter を設定する
func WithTokenCounter(counter TokenCounter, maxContentTokens int) PromptOption {
	return func(p *PromptBuilder) {
		p.counter = counter
		p.maxContentTokens = maxContentTokens
	}
}

// NewPromptBuilder は埋め込みのペルソナとテンプレートから PromptBuilder を作成する
func NewPromptBuilder(opts ...PromptOption) (*PromptBuilder, error) {
	read := func(name string) (string, error) {
		b, err := promptFS.ReadFile(name)
		if err != nil {
			return "", fmt.Errorf("failed to read prompt %s: %w", name, err)
		}
		return string(b), nil
	}

	analyst, err := read(analystPersonaFile)
	if err != nil {
		return nil, err
	}
	engineer, err := read(engineerPersonaFile)
	if err != nil {
		return nil, err
	}
	template, err := read(estimateTemplateFile)
	if err != nil {
		return nil, err
	}

	p := &PromptBuilder{
		analystPersona:   analyst,
		engineerPersona:  engineer,
		estimateTemplate: template,
		maxContentTokens: DefaultMaxContentTokens,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Analysis は分析ノート生成のリクエストを組み立てる
func (p *PromptBuilder) Analysis(req EstimationRequest, doc Document, cfg ModelConfig) GenerationRequest {
	instructions := "You will receive a requirement page link and its content. " +
		"Produce the required Markdown estimation analysis."

	var payload strings.Builder
	fmt.Fprintf(&payload, "Source Link: %s\n\n", req.URL)
	fmt.Fprintf(&payload, "Source Title: %s\n\n", doc.Title)
	if ballpark, ok := req.Ballpark.Get(); ok {
		fmt.Fprintf(&payload, "Initial Ballpark: %s\n\n", ballpark)
		instructions += " The initial ballpark is provided; align your suggested breakdown to approximately fit this band."
	}
	fmt.Fprintf(&payload, "Source Content (Markdown):\n\n%s", p.trimContent(doc.Content))

	return GenerationRequest{
		SystemPrompt: p.analystPersona,
		UserMessages: []string{instructions, payload.String()},
		Config:       cfg,
		Ballpark:     req.Ballpark,
	}
}

// Estimate はPERT見積もり生成のリクエストを組み立てる
func (p *PromptBuilder) Estimate(req EstimationRequest, analysis string, cfg ModelConfig) GenerationRequest {
	instructions := "Using the PERT template, the analysis notes, and the source link, " +
		"produce a complete PERT estimation Markdown."

	var payload strings.Builder
	fmt.Fprintf(&payload, "Single Source of Truth: %s\n\n", req.URL)
	fmt.Fprintf(&payload, "PERT Template:\n\n%s\n\n", p.estimateTemplate)
	if ballpark, ok := req.Ballpark.Get(); ok {
		fmt.Fprintf(&payload, "Initial Ballpark: %s\n\n", ballpark)
		instructions += " Respect the initial ballpark in your totals where practical."
	}
	fmt.Fprintf(&payload, "Analysis Notes:\n\n%s", analysis)

	return GenerationRequest{
		SystemPrompt: p.engineerPersona,
		UserMessages: []string{instructions, payload.String()},
		Config:       cfg,
		Ballpark:     req.Ballpark,
	}
}

func (p *PromptBuilder) trimContent(content string) string {
	if p.counter == nil || p.maxContentTokens <= 0 {
		return content
	}
	if p.counter.CountTokens(content) <= p.maxContentTokens {
		return content
	}
	return p.counter.TrimToTokenLimit(content, p.maxContentTokens) + "\n\n[content truncated]"
}
