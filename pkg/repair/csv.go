package repair

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
)

// ErrorRow is one parsed line of an errors CSV. The feed arrives in
// two header dialects (errorMessage/errorPath vs error_message/
// error_path with extra columns); both land here.
type ErrorRow struct {
	Message      string
	Path         string
	FilePath     string
	CurrentValue string
	DataGroupCID string
}

// ParseErrorsCSV reads an errors CSV: UTF-8, first row header, blank
// lines skipped, fields trimmed.
func ParseErrorsCSV(r io.Reader) ([]ErrorRow, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("errors csv is empty")
		}
		return nil, fmt.Errorf("failed to read errors csv header: %w", err)
	}

	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.TrimSpace(h)] = i
	}
	pick := func(record []string, names ...string) string {
		for _, n := range names {
			if i, ok := col[n]; ok && i < len(record) {
				if v := strings.TrimSpace(record[i]); v != "" {
					return v
				}
			}
		}
		return ""
	}

	var rows []ErrorRow
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read errors csv: %w", err)
		}
		row := ErrorRow{
			Message:      pick(record, "errorMessage", "error_message"),
			Path:         pick(record, "errorPath", "error_path"),
			FilePath:     pick(record, "file_path"),
			CurrentValue: pick(record, "currentValue"),
			DataGroupCID: pick(record, "data_group_cid"),
		}
		if row.Message == "" && row.Path == "" {
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}
