package openai

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/jinford/dev-estimate/internal/core/estimation"
)

// TokenCounter は tiktoken を利用してトークン数を数える
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
}

// NewTokenCounter は新しい TokenCounter を作成する
// cl100k_baseエンコーディングを使用する
func NewTokenCounter() (*TokenCounter, error) {
	encoding, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("failed to get tiktoken encoding: %w", err)
	}
	return &TokenCounter{encoding: encoding}, nil
}

// CountTokens はテキストのトークン数をカウントする
func (tc *TokenCounter) CountTokens(text string) int {
	if tc.encoding == nil {
		return 0
	}
	return len(tc.encoding.Encode(text, nil, nil))
}

// TrimToTokenLimit はテキストを maxTokens トークン以内に切り詰める
func (tc *TokenCounter) TrimToTokenLimit(text string, maxTokens int) string {
	if tc.encoding == nil {
		return text
	}
	tokens := tc.encoding.Encode(text, nil, nil)
	if len(tokens) <= maxTokens {
		return text
	}
	return tc.encoding.Decode(tokens[:maxTokens])
}

var _ estimation.TokenCounter = (*TokenCounter)(nil)
