package rules

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mastomod/vigil/store"
)

// Service is the admin surface's entry point for rule mutations. Every write
// invalidates the snapshot cache and flags all content scans for rescan, so
// that cached scan results tagged with the old rules version are recomputed.
type Service struct {
	store  *store.Store
	cache  *Cache
	logger *slog.Logger
}

func NewService(st *store.Store, cache *Cache) *Service {
	return &Service{
		store:  st,
		cache:  cache,
		logger: slog.Default().With("subsystem", "rules"),
	}
}

func (s *Service) Cache() *Cache {
	return s.cache
}

func (s *Service) afterMutation(ctx context.Context) {
	s.cache.Invalidate(ctx)
	n, err := s.store.FlagAllRescan(ctx)
	if err != nil {
		s.logger.Error("failed to flag content scans for rescan", "err", err)
		return
	}
	s.logger.Info("rule set changed, content scans flagged for rescan", "count", n)
}

func (s *Service) Create(ctx context.Context, r *store.Rule) error {
	if err := Validate(r); err != nil {
		return err
	}
	if err := s.store.CreateRule(ctx, r); err != nil {
		return fmt.Errorf("creating rule: %w", err)
	}
	s.afterMutation(ctx)
	return nil
}

func (s *Service) Update(ctx context.Context, r *store.Rule) error {
	if err := Validate(r); err != nil {
		return err
	}
	if err := s.store.SaveRule(ctx, r); err != nil {
		return fmt.Errorf("updating rule: %w", err)
	}
	s.afterMutation(ctx)
	return nil
}

func (s *Service) Delete(ctx context.Context, id uint) error {
	if err := s.store.DeleteRule(ctx, id); err != nil {
		return fmt.Errorf("deleting rule: %w", err)
	}
	s.afterMutation(ctx)
	return nil
}

func (s *Service) Toggle(ctx context.Context, id uint, enabled bool) error {
	if err := s.store.SetRuleEnabled(ctx, id, enabled); err != nil {
		return fmt.Errorf("toggling rule: %w", err)
	}
	s.afterMutation(ctx)
	return nil
}

func (s *Service) BulkToggle(ctx context.Context, ids []uint, enabled bool) (int64, error) {
	n, err := s.store.BulkSetRuleEnabled(ctx, ids, enabled)
	if err != nil {
		return 0, fmt.Errorf("bulk toggling rules: %w", err)
	}
	s.afterMutation(ctx)
	return n, nil
}

func (s *Service) Get(ctx context.Context, id uint) (*store.Rule, error) {
	return s.store.GetRule(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]store.Rule, error) {
	return s.store.ListRules(ctx, false)
}

func (s *Service) Stats(ctx context.Context) (*store.RuleStats, error) {
	return s.store.GetRuleStats(ctx)
}
