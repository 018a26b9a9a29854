package service

import (
	"context"
	"fmt"

	"sheetmailer/internal/domain"
	"sheetmailer/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SenderService manages the sender registry: credentials bound to row
// ranges of one sheet. It also resolves bindings for registry-backed tasks.
type SenderService struct {
	registry domain.SenderRegistry
	logger   *zerolog.Logger
}

func NewSenderService(registry domain.SenderRegistry, logger *zerolog.Logger) *SenderService {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &SenderService{
		registry: registry,
		logger:   logger,
	}
}

func (s *SenderService) Create(ctx context.Context, acc *models.SenderAccount) error {
	if acc.ID == "" {
		acc.ID = uuid.NewString()
	}
	if err := s.registry.CreateSender(ctx, acc); err != nil {
		return err
	}
	s.logger.Info().
		Str("sender_id", acc.ID).
		Str("account", acc.Credential.Account).
		Str("source", acc.Source.String()).
		Int("lower", acc.Lower).
		Int("upper", acc.Upper).
		Msg("sender registered")
	return nil
}

func (s *SenderService) Get(ctx context.Context, id string) (*models.SenderAccount, error) {
	return s.registry.GetSender(ctx, id)
}

func (s *SenderService) List(ctx context.Context, owner string) ([]*models.SenderAccount, error) {
	return s.registry.ListSenders(ctx, owner)
}

// Update replaces the account. An empty secret keeps the stored one, so
// clients never have to echo secrets back.
func (s *SenderService) Update(ctx context.Context, acc *models.SenderAccount) error {
	prev, err := s.registry.GetSender(ctx, acc.ID)
	if err != nil {
		return err
	}
	if acc.Credential.Secret == "" {
		acc.Credential.Secret = prev.Credential.Secret
	}
	acc.CreatedAt = prev.CreatedAt
	if err := s.registry.UpdateSender(ctx, acc); err != nil {
		return err
	}
	s.logger.Info().Str("sender_id", acc.ID).Msg("sender updated")
	return nil
}

func (s *SenderService) Delete(ctx context.Context, id string) error {
	if err := s.registry.DeleteSender(ctx, id); err != nil {
		return err
	}
	s.logger.Info().Str("sender_id", id).Msg("sender deleted")
	return nil
}

// ResolveBindings returns the registered bindings for a sheet, read fresh
// on every call so edits apply to tasks that have not fired yet.
func (s *SenderService) ResolveBindings(ctx context.Context, ref models.SourceRef) ([]models.RangeBinding, error) {
	accounts, err := s.registry.SendersForSource(ctx, ref)
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, fmt.Errorf("%w: no sender registered for %s", models.ErrValidation, ref)
	}
	out := make([]models.RangeBinding, 0, len(accounts))
	for _, acc := range accounts {
		out = append(out, acc.Binding())
	}
	return out, nil
}
