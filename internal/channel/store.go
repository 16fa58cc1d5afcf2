// Package channel keeps publishing-channel credentials and hands out valid
// access tokens.
package channel

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/clipforge/internal/domain"
	"github.com/jmoiron/sqlx"
)

// Channel is a connected account on a video platform
type Channel struct {
	ID             string     `db:"id"`
	OwnerID        string     `db:"owner_id"`
	Platform       string     `db:"platform"`
	AccessToken    string     `db:"access_token"`
	RefreshToken   string     `db:"refresh_token"`
	TokenExpiresAt *time.Time `db:"token_expires_at"`
	RequiresReauth bool       `db:"requires_reauth"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

// Store persists channels in the channels table
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a channel store
func NewStore(db *sqlx.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Get retrieves a channel by id
func (s *Store) Get(ctx context.Context, channelID string) (*Channel, error) {
	query := s.db.Rebind(`
		SELECT id, owner_id, platform, access_token, refresh_token,
			token_expires_at, requires_reauth, updated_at
		FROM channels
		WHERE id = ?
	`)

	var ch Channel
	if err := s.db.GetContext(ctx, &ch, query, channelID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}
	if ch.TokenExpiresAt != nil {
		utc := ch.TokenExpiresAt.UTC()
		ch.TokenExpiresAt = &utc
	}
	return &ch, nil
}

// Save inserts or replaces a channel
func (s *Store) Save(ctx context.Context, ch *Channel) error {
	if ch.Platform == "" {
		ch.Platform = "youtube"
	}
	ch.UpdatedAt = time.Now().UTC()

	var expires sql.NullTime
	if ch.TokenExpiresAt != nil {
		expires = sql.NullTime{Time: ch.TokenExpiresAt.UTC(), Valid: true}
	}

	query := s.db.Rebind(`
		INSERT INTO channels (id, owner_id, platform, access_token, refresh_token,
			token_expires_at, requires_reauth, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE
		SET owner_id = excluded.owner_id,
			platform = excluded.platform,
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			token_expires_at = excluded.token_expires_at,
			requires_reauth = excluded.requires_reauth,
			updated_at = excluded.updated_at
	`)

	_, err := s.db.ExecContext(ctx, query,
		ch.ID,
		ch.OwnerID,
		ch.Platform,
		ch.AccessToken,
		ch.RefreshToken,
		expires,
		ch.RequiresReauth,
		ch.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save channel: %w", err)
	}
	return nil
}

// FlagReauth marks a channel as needing its owner to reconnect it
func (s *Store) FlagReauth(ctx context.Context, channelID string) error {
	query := s.db.Rebind(`
		UPDATE channels
		SET requires_reauth = ?,
			updated_at = ?
		WHERE id = ?
	`)

	if _, err := s.db.ExecContext(ctx, query, true, time.Now().UTC(), channelID); err != nil {
		return fmt.Errorf("failed to flag channel: %w", err)
	}

	s.logger.Warn("Channel flagged for re-authentication", slog.String("channel_id", channelID))
	return nil
}
