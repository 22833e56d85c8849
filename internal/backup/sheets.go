package backup

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// sheetRange covers the whole first sheet. Backups always rewrite it from A1.
const sheetRange = "A:G"

// newSheetsService is overridable for tests.
var newSheetsService = func(ctx context.Context, credentialsFile string) (*sheets.Service, error) {
	return sheets.NewService(ctx, option.WithCredentialsFile(credentialsFile))
}

// SheetStore implements RowStore on a Google Sheets spreadsheet.
type SheetStore struct {
	service       *sheets.Service
	spreadsheetID string
}

// NewSheetStore builds a RowStore over the given spreadsheet, authenticated
// with a service-account credentials file.
func NewSheetStore(ctx context.Context, credentialsFile, spreadsheetID string) (*SheetStore, error) {
	if spreadsheetID == "" {
		return nil, errors.New("spreadsheet id is required")
	}

	service, err := newSheetsService(ctx, credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}

	return &SheetStore{service: service, spreadsheetID: spreadsheetID}, nil
}

// ReadAll returns every populated row of the sheet as strings.
func (s *SheetStore) ReadAll(ctx context.Context) ([][]string, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	resp, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, sheetRange).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("read sheet values: %w", err)
	}

	rows := make([][]string, 0, len(resp.Values))
	for _, raw := range resp.Values {
		row := make([]string, 0, len(raw))
		for _, cell := range raw {
			row = append(row, fmt.Sprint(cell))
		}
		rows = append(rows, row)
	}

	return rows, nil
}

// ReplaceAll clears the sheet and writes the given rows from A1.
func (s *SheetStore) ReplaceAll(ctx context.Context, rows [][]string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}

	clearReq := sheets.ClearValuesRequest{}
	if _, err := s.service.Spreadsheets.Values.Clear(s.spreadsheetID, sheetRange, &clearReq).Context(ctx).Do(); err != nil {
		return fmt.Errorf("clear sheet: %w", err)
	}

	values := make([][]interface{}, 0, len(rows))
	for _, row := range rows {
		cells := make([]interface{}, 0, len(row))
		for _, cell := range row {
			cells = append(cells, cell)
		}
		values = append(values, cells)
	}

	body := sheets.ValueRange{Values: values}
	_, err := s.service.Spreadsheets.Values.Update(s.spreadsheetID, sheetRange, &body).
		ValueInputOption("RAW").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("write sheet values: %w", err)
	}

	return nil
}

func (s *SheetStore) ready(ctx context.Context) error {
	if s == nil || s.service == nil {
		return errors.New("sheet store is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	return nil
}
