package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"sheetmailer/internal/models"

	"gopkg.in/yaml.v2"
)

// senderSeed is one registry entry in the SENDERS_PATH file.
type senderSeed struct {
	Owner         string `yaml:"owner"`
	Account       string `yaml:"account"`
	Secret        string `yaml:"secret"`
	Alias         string `yaml:"alias"`
	SpreadsheetID string `yaml:"spreadsheet_id"`
	SheetName     string `yaml:"sheet_name"`
	Lower         int    `yaml:"lower"`
	Upper         int    `yaml:"upper"`
}

// SeedSenders registers the senders listed in a YAML file. Entries whose
// range is already taken are skipped, so restarts do not duplicate them.
func (a *App) SeedSenders(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read senders: %w", err)
	}

	var file struct {
		Senders []senderSeed `yaml:"senders"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return 0, fmt.Errorf("parse senders %s: %w", path, err)
	}

	created := 0
	for i, s := range file.Senders {
		acc := &models.SenderAccount{
			Owner: s.Owner,
			Credential: models.SenderCredential{
				Account: s.Account,
				Secret:  os.ExpandEnv(s.Secret),
				Alias:   s.Alias,
			},
			Source: models.SourceRef{SpreadsheetID: s.SpreadsheetID, SheetName: s.SheetName},
			Lower:  s.Lower,
			Upper:  s.Upper,
		}
		err := a.Senders.Create(ctx, acc)
		switch {
		case err == nil:
			created++
		case errors.Is(err, models.ErrRangeOverlap):
			a.logger.Debug().Str("account", s.Account).Msg("sender range already registered, skipping")
		default:
			return created, fmt.Errorf("senders[%d]: %w", i, err)
		}
	}
	return created, nil
}
