package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/jinford/dev-estimate/internal/core/estimation"
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// fileNames は生成物の種類ごとのファイル名
var fileNames = map[estimation.ArtifactKind]string{
	estimation.ArtifactSource:   "input.source.md",
	estimation.ArtifactAnalysis: "analysis.md",
	estimation.ArtifactEstimate: "estimate.md",
}

// FileStore は生成物を <dir>/<session>/<item>/<file> に保存する
type FileStore struct {
	dir string
}

// NewFileStore は新しい FileStore を作成する
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("artifact directory is empty")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Store は生成物を書き込む。既存のファイルは上書きする。
func (s *FileStore) Store(ctx context.Context, key estimation.ArtifactKey, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(text), 0644); err != nil {
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	return nil
}

// Load は生成物を読み込む。存在しない場合は estimation.ErrArtifactNotFound を返す。
func (s *FileStore) Load(ctx context.Context, key estimation.ArtifactKey) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path, err := s.path(key)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", estimation.ErrArtifactNotFound
		}
		return "", fmt.Errorf("failed to read artifact: %w", err)
	}
	return string(data), nil
}

func (s *FileStore) path(key estimation.ArtifactKey) (string, error) {
	name, ok := fileNames[key.Kind]
	if !ok {
		return "", fmt.Errorf("unknown artifact kind: %q", key.Kind)
	}
	return filepath.Join(s.dir, SafeName(key.SessionID), itemDir(key.ItemName), name), nil
}

// itemDir は項目名からディレクトリ名を決める。
// 変換で名前が変わった場合は元の名前のハッシュを付け、別名同士が同じディレクトリにならないようにする。
func itemDir(name string) string {
	safe := SafeName(name)
	if safe == name {
		return safe
	}
	sum := sha256.Sum256([]byte(name))
	return safe + "-" + hex.EncodeToString(sum[:4])
}

// SafeName はファイルシステム上で安全なディレクトリ名に変換する
func SafeName(name string) string {
	safe := unsafeChars.ReplaceAllString(strings.TrimSpace(name), "_")
	safe = strings.Trim(safe, "._")
	if safe == "" {
		return "item"
	}
	return safe
}

var _ estimation.ArtifactStore = (*FileStore)(nil)
