package models

import "time"

// SenderAccount is a registry entry binding a credential to a row range of
// one sheet. Owner is the operator account that registered it.
type SenderAccount struct {
	ID         string           `json:"id"`
	Owner      string           `json:"owner"`
	Credential SenderCredential `json:"credential"`
	Source     SourceRef        `json:"source"`
	Lower      int              `json:"lower"`
	Upper      int              `json:"upper"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

func (a *SenderAccount) Binding() RangeBinding {
	return RangeBinding{Lower: a.Lower, Upper: a.Upper, Sender: a.Credential}
}

// Validate checks the fields every registry entry needs.
func (a *SenderAccount) Validate() error {
	switch {
	case a.Credential.Account == "":
		return NewValidationError("credential.account", "is required")
	case a.Credential.Secret == "":
		return NewValidationError("credential.secret", "is required")
	case a.Source.SpreadsheetID == "":
		return NewValidationError("source.spreadsheet_id", "is required")
	case a.Source.SheetName == "":
		return NewValidationError("source.sheet_name", "is required")
	case a.Lower < 1:
		return NewValidationError("lower", "must be at least 1")
	case a.Upper < a.Lower:
		return NewValidationError("upper", "must not be below lower")
	}
	return nil
}
