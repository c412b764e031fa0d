package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/quflux/publisher/internal/models"
)

const connectionColumns = `id, user_id, platform, access_token, refresh_token, expires_at, is_active, updated_at`

// GetConnection fetches one platform connection by id.
func (s *Store) GetConnection(ctx context.Context, id string) (models.PlatformConnection, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+connectionColumns+` FROM platform_connections WHERE id = $1`, id)
	return scanConnection(row, id)
}

// ConnectionFor resolves the active connection for a (user, platform) pair.
func (s *Store) ConnectionFor(ctx context.Context, userID, platform string) (models.PlatformConnection, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+connectionColumns+` FROM platform_connections
		WHERE user_id = $1 AND platform = $2 AND is_active
	`, userID, platform)
	return scanConnection(row, userID+"/"+platform)
}

// UpdateConnectionTokens persists rotated credentials after a refresh. Token
// values arrive already encrypted; the store never sees plaintext.
func (s *Store) UpdateConnectionTokens(ctx context.Context, id, accessToken string, refreshToken *string, expiresAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE platform_connections
		SET access_token = $2, refresh_token = COALESCE($3, refresh_token), expires_at = $4, updated_at = NOW()
		WHERE id = $1
	`, id, accessToken, refreshToken, expiresAt)
	if err != nil {
		return fmt.Errorf("update connection tokens: %w", err)
	}
	return nil
}

// GetPostContent loads the content collaborator shape for a post.
func (s *Store) GetPostContent(ctx context.Context, postID string) (models.PostContent, error) {
	var content models.PostContent
	var link pgtype.Text
	err := s.pool.QueryRow(ctx, `
		SELECT text, media_refs, link_preview FROM posts WHERE id = $1
	`, postID).Scan(&content.Text, &content.MediaRefs, &link)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.PostContent{}, fmt.Errorf("post %s: %w", postID, ErrNotFound)
	}
	if err != nil {
		return models.PostContent{}, fmt.Errorf("get post content: %w", err)
	}
	if link.Valid {
		content.LinkPreview = link.String
	}
	return content, nil
}

func scanConnection(row rowScanner, ref string) (models.PlatformConnection, error) {
	var c models.PlatformConnection
	var refresh pgtype.Text
	var expires pgtype.Timestamptz
	err := row.Scan(&c.ID, &c.UserID, &c.Platform, &c.AccessToken, &refresh, &expires, &c.IsActive, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.PlatformConnection{}, fmt.Errorf("connection %s: %w", ref, ErrNotFound)
	}
	if err != nil {
		return models.PlatformConnection{}, fmt.Errorf("scan connection: %w", err)
	}
	c.RefreshToken = textPtr(refresh)
	c.ExpiresAt = timePtr(expires)
	return c, nil
}
