// Package velocity derives creator history and network context for split scoring.
package velocity

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/opensource-finance/splitguard/internal/cache"
	"github.com/opensource-finance/splitguard/internal/domain"
)

// HistorySource is the slice of domain.Repository the service reads.
type HistorySource interface {
	GetUserHistory(ctx context.Context, creatorID string) (*domain.UserHistory, error)
}

// Config holds velocity and history caching settings.
type Config struct {
	Window         time.Duration
	RapidThreshold int64
	HistoryTTL     time.Duration
}

// Service counts split creation per creator wallet and looks up creator history.
type Service struct {
	repo  HistorySource
	cache domain.Cache
	cfg   Config
}

// NewService creates a new velocity service.
func NewService(repo HistorySource, c domain.Cache, cfg Config) *Service {
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	if cfg.RapidThreshold <= 0 {
		cfg.RapidThreshold = 5
	}
	if cfg.HistoryTTL <= 0 {
		cfg.HistoryTTL = 5 * time.Minute
	}
	return &Service{
		repo:  repo,
		cache: c,
		cfg:   cfg,
	}
}

// RecordSplit counts one split for the wallet and returns the number of
// splits it created in the current window, this one included.
func (s *Service) RecordSplit(ctx context.Context, creatorWallet string) (int64, error) {
	if creatorWallet == "" {
		return 0, fmt.Errorf("%w: creator wallet is required", domain.ErrInvalidInput)
	}
	count, err := s.cache.IncrementCounter(ctx, "velocity:"+creatorWallet, s.cfg.Window)
	if err != nil {
		return 0, fmt.Errorf("failed to count splits: %w", err)
	}
	return count, nil
}

// RecentSplits records a split and returns how many other splits the wallet
// created in the window.
func (s *Service) RecentSplits(ctx context.Context, creatorWallet string) (int64, error) {
	count, err := s.RecordSplit(ctx, creatorWallet)
	if err != nil {
		return 0, err
	}
	return max(count-1, 0), nil
}

// NetworkPatterns summarizes wallet activity around a split. Splits without a
// creator wallet skip the velocity count.
func (s *Service) NetworkPatterns(ctx context.Context, split *domain.Split) (*domain.NetworkPatterns, error) {
	wallets := make(map[string]struct{}, len(split.Participants))
	circular := false
	creator := strings.TrimSpace(split.CreatorWalletAddress)
	for _, p := range split.Participants {
		w := strings.TrimSpace(p.WalletAddress)
		if w == "" {
			continue
		}
		wallets[w] = struct{}{}
		if creator != "" && w == creator {
			circular = true
		}
	}

	np := &domain.NetworkPatterns{
		UniqueWalletCount:  len(wallets),
		HasCircularPattern: circular,
	}
	if creator == "" {
		return np, nil
	}

	recent, err := s.RecentSplits(ctx, creator)
	if err != nil {
		return np, err
	}
	np.RecentSplitsCount = int(recent)
	np.IsRapidCreation = recent > s.cfg.RapidThreshold
	return np, nil
}

// UserHistory returns the creator's aggregated history, cached for HistoryTTL.
// Cache failures fall through to the repository.
func (s *Service) UserHistory(ctx context.Context, creatorID string) (*domain.UserHistory, error) {
	if creatorID == "" {
		return nil, fmt.Errorf("%w: creator_id is required", domain.ErrInvalidInput)
	}
	key := "history:" + creatorID

	var h domain.UserHistory
	found, err := cache.GetJSON(ctx, s.cache, key, &h)
	if err != nil {
		slog.Warn("history cache read failed",
			"creator_id", creatorID,
			"error", err,
		)
	}
	if found {
		return &h, nil
	}

	if s.repo == nil {
		return nil, fmt.Errorf("no history source available")
	}
	hist, err := s.repo.GetUserHistory(ctx, creatorID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user history: %w", err)
	}

	if err := cache.SetJSON(ctx, s.cache, key, hist, s.cfg.HistoryTTL); err != nil {
		slog.Warn("history cache write failed",
			"creator_id", creatorID,
			"error", err,
		)
	}
	return hist, nil
}
