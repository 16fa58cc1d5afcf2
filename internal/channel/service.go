package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/clipforge/internal/domain"
)

// refreshSkew renews tokens that would expire during a long upload
const refreshSkew = 5 * time.Minute

// Repository is the channel persistence the service needs
type Repository interface {
	Get(ctx context.Context, channelID string) (*Channel, error)
	Save(ctx context.Context, ch *Channel) error
	FlagReauth(ctx context.Context, channelID string) error
}

// Refresher exchanges a refresh token for a new access token
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (Token, error)
}

// Service resolves bearer tokens for publishing
type Service struct {
	repo      Repository
	refresher Refresher
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a credential service
func NewService(repo Repository, refresher Refresher, logger *slog.Logger) *Service {
	return &Service{
		repo:      repo,
		refresher: refresher,
		logger:    logger,
		now:       time.Now,
	}
}

// AccessToken returns a currently valid token for the channel, refreshing it
// when it is missing or about to expire. A flagged channel, or one whose
// refresh fails, returns an error wrapping domain.ErrAuthExpired.
func (s *Service) AccessToken(ctx context.Context, channelID string) (string, error) {
	ch, err := s.repo.Get(ctx, channelID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return "", domain.NewStageError(domain.StageUploading, domain.KindValidation, "unknown channel "+channelID, err)
		}
		return "", err
	}

	if ch.RequiresReauth {
		return "", fmt.Errorf("%w: channel %s", domain.ErrAuthExpired, channelID)
	}

	if ch.AccessToken != "" && ch.TokenExpiresAt != nil && s.now().Add(refreshSkew).Before(*ch.TokenExpiresAt) {
		return ch.AccessToken, nil
	}

	if ch.RefreshToken == "" {
		s.flag(ctx, channelID)
		return "", fmt.Errorf("%w: channel %s has no refresh token", domain.ErrAuthExpired, channelID)
	}

	token, err := s.refresher.Refresh(ctx, ch.RefreshToken)
	if err != nil {
		s.logger.Error("Channel token refresh failed",
			slog.String("channel_id", channelID),
			slog.Any("error", err),
		)
		s.flag(ctx, channelID)
		return "", fmt.Errorf("%w: refresh channel %s: %w", domain.ErrAuthExpired, channelID, err)
	}

	expires := token.ExpiresAt
	ch.AccessToken = token.AccessToken
	ch.RefreshToken = token.RefreshToken
	ch.TokenExpiresAt = &expires
	if err := s.repo.Save(ctx, ch); err != nil {
		// The token is still usable for this upload.
		s.logger.Warn("Refreshed channel token not saved",
			slog.String("channel_id", channelID),
			slog.Any("error", err),
		)
	}

	s.logger.Info("Channel token refreshed",
		slog.String("channel_id", channelID),
		slog.Time("expires_at", expires),
	)
	return token.AccessToken, nil
}

func (s *Service) flag(ctx context.Context, channelID string) {
	if err := s.repo.FlagReauth(context.WithoutCancel(ctx), channelID); err != nil {
		s.logger.Error("Failed to flag channel",
			slog.String("channel_id", channelID),
			slog.Any("error", err),
		)
	}
}
