package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jinford/dev-estimate/internal/core/estimation"
)

// schema は生成物テーブルの定義
const schema = `
	CREATE TABLE IF NOT EXISTS estimation_artifacts (
		session_id TEXT NOT NULL,
		item_name  TEXT NOT NULL,
		kind       TEXT NOT NULL,
		content    TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (session_id, item_name, kind)
	)
`

// DBTX は pgxpool.Pool と pgx.Tx の共通部分
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ArtifactRepository は生成物を PostgreSQL に保存する
type ArtifactRepository struct {
	db DBTX
}

// NewArtifactRepository は新しい ArtifactRepository を作成します
func NewArtifactRepository(db DBTX) *ArtifactRepository {
	return &ArtifactRepository{db: db}
}

// EnsureSchema は生成物テーブルが存在しなければ作成します
func (r *ArtifactRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create estimation_artifacts table: %w", err)
	}
	return nil
}

// Store は生成物を保存します。同じキーが既にあれば上書きします。
func (r *ArtifactRepository) Store(ctx context.Context, key estimation.ArtifactKey, text string) error {
	query := `
		INSERT INTO estimation_artifacts (session_id, item_name, kind, content)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id, item_name, kind) DO UPDATE SET
			content = EXCLUDED.content,
			updated_at = CURRENT_TIMESTAMP
	`
	if _, err := r.db.Exec(ctx, query, key.SessionID, key.ItemName, string(key.Kind), text); err != nil {
		return fmt.Errorf("failed to store artifact: %w", err)
	}
	return nil
}

// Load は生成物を取得します。存在しない場合は estimation.ErrArtifactNotFound を返します。
func (r *ArtifactRepository) Load(ctx context.Context, key estimation.ArtifactKey) (string, error) {
	query := `
		SELECT content
		FROM estimation_artifacts
		WHERE session_id = $1 AND item_name = $2 AND kind = $3
	`

	var content string
	err := r.db.QueryRow(ctx, query, key.SessionID, key.ItemName, string(key.Kind)).Scan(&content)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", estimation.ErrArtifactNotFound
		}
		return "", fmt.Errorf("failed to load artifact: %w", err)
	}
	return content, nil
}

var _ estimation.ArtifactStore = (*ArtifactRepository)(nil)
