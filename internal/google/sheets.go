package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"

	"sheetmailer/internal/config"
	"sheetmailer/internal/models"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// SheetsService reads recipient rows from Google Sheets. Nothing is cached:
// every call goes to the API so edits made before the trigger are honoured.
type SheetsService struct {
	service   *sheets.Service
	logger    *zerolog.Logger
	shareWith string
}

// AccessError wraps any failure to read a spreadsheet.
type AccessError struct {
	Op     string
	Target string
	Status int
	Err    error
}

func (e *AccessError) Error() string {
	if e.Denied() {
		return fmt.Sprintf("%s %s: access denied (%d): %v", e.Op, e.Target, e.Status, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Target, e.Err)
}

func (e *AccessError) Unwrap() []error {
	return []error{models.ErrSourceAccess, e.Err}
}

// Denied reports whether the API refused the credentials.
func (e *AccessError) Denied() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
}

func NewSheetsService(ctx context.Context, cfg config.GoogleConfig, logger *zerolog.Logger) (*SheetsService, error) {
	client, err := httpClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	srv, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to create Sheets service: %w", err)
	}

	s := newWithService(srv, logger)
	if cfg.CredentialsFile != "" {
		if s.shareWith, err = ServiceAccountEmail(cfg.CredentialsFile); err != nil {
			s.logger.Warn().Err(err).Msg("service account email is unknown")
		}
	}
	return s, nil
}

// ShareWith returns the service account address spreadsheets must be shared
// with, or "" when OAuth user credentials are used.
func (s *SheetsService) ShareWith() string {
	return s.shareWith
}

func newWithService(srv *sheets.Service, logger *zerolog.Logger) *SheetsService {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &SheetsService{service: srv, logger: logger}
}

func httpClient(ctx context.Context, cfg config.GoogleConfig) (*http.Client, error) {
	if cfg.CredentialsFile != "" {
		// Сервисный аккаунт: таблицу нужно расшарить на его email
		credentialsJSON, err := os.ReadFile(cfg.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("unable to read credentials file: %w", err)
		}
		jwtConfig, err := google.JWTConfigFromJSON(credentialsJSON, sheets.SpreadsheetsReadonlyScope)
		if err != nil {
			return nil, fmt.Errorf("unable to parse credentials: %w", err)
		}
		return jwtConfig.Client(ctx), nil
	}

	if cfg.RefreshToken != "" {
		oauthConfig := &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{sheets.SpreadsheetsReadonlyScope},
		}
		return oauthConfig.Client(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken}), nil
	}

	return nil, errors.New("google credentials are not configured")
}

// FetchRows returns every row of the sheet with cells rendered as strings.
// Row 0 is the header.
func (s *SheetsService) FetchRows(ctx context.Context, ref models.SourceRef) ([][]string, error) {
	resp, err := s.service.Spreadsheets.Values.Get(ref.SpreadsheetID, ref.SheetName).Context(ctx).Do()
	if err != nil {
		return nil, accessError("read values", ref.String(), err)
	}

	rows := make([][]string, len(resp.Values))
	for i, row := range resp.Values {
		cells := make([]string, len(row))
		for j, v := range row {
			cells[j] = cellString(v)
		}
		rows[i] = cells
	}

	s.logger.Debug().
		Str("spreadsheet_id", ref.SpreadsheetID).
		Str("sheet", ref.SheetName).
		Int("rows", len(rows)).
		Msg("fetched sheet rows")

	return rows, nil
}

// SheetNames возвращает названия всех листов таблицы
func (s *SheetsService) SheetNames(ctx context.Context, spreadsheetID string) ([]string, error) {
	spreadsheet, err := s.service.Spreadsheets.Get(spreadsheetID).
		Fields("sheets.properties.title").
		Context(ctx).
		Do()
	if err != nil {
		return nil, accessError("get spreadsheet", spreadsheetID, err)
	}

	names := make([]string, 0, len(spreadsheet.Sheets))
	for _, sheet := range spreadsheet.Sheets {
		if sheet.Properties != nil {
			names = append(names, sheet.Properties.Title)
		}
	}
	return names, nil
}

// TestConnection проверяет доступ к таблице при старте
func (s *SheetsService) TestConnection(ctx context.Context, spreadsheetID string) error {
	if _, err := s.SheetNames(ctx, spreadsheetID); err != nil {
		return fmt.Errorf("connection test failed: %w", err)
	}
	return nil
}

// ServiceAccountEmail returns the client_email of a service account key, the
// address spreadsheets must be shared with.
func ServiceAccountEmail(credentialsFile string) (string, error) {
	file, err := os.ReadFile(credentialsFile)
	if err != nil {
		return "", err
	}

	var creds struct {
		ClientEmail string `json:"client_email"`
	}
	if err := json.Unmarshal(file, &creds); err != nil {
		return "", err
	}

	return creds.ClientEmail, nil
}

func accessError(op, target string, err error) error {
	ae := &AccessError{Op: op, Target: target, Err: err}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		ae.Status = apiErr.Code
	}
	return ae
}

func cellString(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	default:
		return fmt.Sprint(val)
	}
}
