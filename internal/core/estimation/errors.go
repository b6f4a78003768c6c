package estimation

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownSession は存在しないセッションIDが指定された場合のエラー
	ErrUnknownSession = errors.New("unknown session")

	// ErrEmptyBatch はバッチに項目が1件もない場合のエラー
	ErrEmptyBatch = errors.New("batch must contain at least one item")

	// ErrInvalidRequest は見積もり依頼が不正な場合のエラー
	ErrInvalidRequest = errors.New("invalid estimation request")

	// ErrArtifactNotFound は生成物が保存されていない場合のエラー
	ErrArtifactNotFound = errors.New("artifact not found")
)

// FetchError はソースコンテンツの取得に失敗した場合のエラー
type FetchError struct {
	Source string
	Cause  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Source, e.Cause)
}

func (e *FetchError) Unwrap() error {
	return e.Cause
}

// GenerationError はテキスト生成に失敗した場合のエラー
type GenerationError struct {
	Provider string
	Cause    error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("%s generation failed: %v", e.Provider, e.Cause)
}

func (e *GenerationError) Unwrap() error {
	return e.Cause
}
