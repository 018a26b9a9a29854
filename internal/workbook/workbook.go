// Package workbook reads recipient rows from local .xlsx files and routes
// source references between local workbooks and Google Sheets.
package workbook

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"sheetmailer/internal/domain"
	"sheetmailer/internal/models"

	"github.com/xuri/excelize/v2"
)

// Prefix marks a spreadsheet id as a local workbook name.
const Prefix = "xlsx:"

// Source serves workbooks stored under a single directory.
type Source struct {
	dir string
}

func NewSource(dir string) *Source {
	return &Source{dir: dir}
}

// IsLocal reports whether id names a local workbook.
func IsLocal(id string) bool {
	return strings.HasPrefix(id, Prefix)
}

func (s *Source) path(id string) (string, error) {
	if s.dir == "" {
		return "", errors.New("workbook directory is not configured")
	}
	name := filepath.Base(strings.TrimPrefix(id, Prefix))
	if name == "." || name == string(filepath.Separator) || name == "" {
		return "", fmt.Errorf("invalid workbook name %q", id)
	}
	if filepath.Ext(name) == "" {
		name += ".xlsx"
	}
	return filepath.Join(s.dir, name), nil
}

func (s *Source) open(id string) (*excelize.File, error) {
	path, err := s.path(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrSourceAccess, err)
	}
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", models.ErrSourceAccess, filepath.Base(path), err)
	}
	return f, nil
}

func (s *Source) FetchRows(ctx context.Context, ref models.SourceRef) ([][]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := s.open(ref.SpreadsheetID)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rows, err := f.GetRows(ref.SheetName)
	if err != nil {
		return nil, fmt.Errorf("%w: read sheet %s: %v", models.ErrSourceAccess, ref.SheetName, err)
	}
	return rows, nil
}

func (s *Source) SheetNames(ctx context.Context, spreadsheetID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := s.open(spreadsheetID)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return f.GetSheetList(), nil
}

type remoteSource interface {
	domain.RowSource
	domain.SheetLister
}

// Router dispatches local workbook ids to the file source and everything
// else to the remote one. Either side may be nil.
type Router struct {
	remote remoteSource
	local  *Source
}

func NewRouter(remote remoteSource, local *Source) *Router {
	return &Router{remote: remote, local: local}
}

func (r *Router) FetchRows(ctx context.Context, ref models.SourceRef) ([][]string, error) {
	if IsLocal(ref.SpreadsheetID) {
		if r.local == nil {
			return nil, fmt.Errorf("%w: local workbooks are disabled", models.ErrSourceAccess)
		}
		return r.local.FetchRows(ctx, ref)
	}
	if r.remote == nil {
		return nil, fmt.Errorf("%w: google sheets is not configured", models.ErrSourceAccess)
	}
	return r.remote.FetchRows(ctx, ref)
}

func (r *Router) SheetNames(ctx context.Context, spreadsheetID string) ([]string, error) {
	if IsLocal(spreadsheetID) {
		if r.local == nil {
			return nil, fmt.Errorf("%w: local workbooks are disabled", models.ErrSourceAccess)
		}
		return r.local.SheetNames(ctx, spreadsheetID)
	}
	if r.remote == nil {
		return nil, fmt.Errorf("%w: google sheets is not configured", models.ErrSourceAccess)
	}
	return r.remote.SheetNames(ctx, spreadsheetID)
}
