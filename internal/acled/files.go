package acled

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jszwec/csvutil"
	"github.com/xuri/excelize/v2"
)

// ReadCSV decodes an ACLED CSV export. The header row maps to Row fields via
// csv tags; unknown columns are ignored.
func ReadCSV(r io.Reader) ([]Row, error) {
	dec, err := csvutil.NewDecoder(csv.NewReader(r))
	if err != nil {
		return nil, fmt.Errorf("failed to create csv decoder: %w", err)
	}

	var rows []Row
	if err := dec.Decode(&rows); err != nil {
		return nil, fmt.Errorf("failed to decode acled csv: %w", err)
	}
	return rows, nil
}

// ReadXLSX decodes an aggregated regional spreadsheet drop: first sheet,
// header row in row 1, columns matched to Row csv tags case-insensitively.
func ReadXLSX(path string) ([]Row, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open spreadsheet %s: %w", path, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("spreadsheet %s has no sheets", path)
	}
	cells, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %s: %w", sheets[0], err)
	}
	if len(cells) < 2 {
		return nil, nil
	}

	header := make(map[string]int, len(cells[0]))
	for i, name := range cells[0] {
		header[normalizeHeader(name)] = i
	}

	cell := func(record []string, name string) string {
		idx, ok := header[name]
		if !ok || idx >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[idx])
	}

	rows := make([]Row, 0, len(cells)-1)
	for _, record := range cells[1:] {
		rows = append(rows, Row{
			EventIDCnty:  cell(record, "event_id_cnty"),
			EventDate:    cell(record, "event_date"),
			Year:         cell(record, "year"),
			EventType:    cell(record, "event_type"),
			SubEventType: cell(record, "sub_event_type"),
			Actor1:       cell(record, "actor1"),
			Actor2:       cell(record, "actor2"),
			Country:      cell(record, "country"),
			Admin1:       cell(record, "admin1"),
			Location:     cell(record, "location"),
			Latitude:     cell(record, "latitude"),
			Longitude:    cell(record, "longitude"),
			Fatalities:   cell(record, "fatalities"),
			Notes:        cell(record, "notes"),
			SourceName:   cell(record, "source"),
		})
	}
	return rows, nil
}

// ListDropFiles returns the spreadsheet and CSV drops under the known layout
// raw/aggregated-<region>/<YYYY-MM-DD>/*, sorted for deterministic ingest
// order.
func ListDropFiles(dropDir string) ([]string, error) {
	regionDirs, err := filepath.Glob(filepath.Join(dropDir, "aggregated-*"))
	if err != nil {
		return nil, fmt.Errorf("failed to scan drop directory %s: %w", dropDir, err)
	}

	var files []string
	for _, regionDir := range regionDirs {
		info, err := os.Stat(regionDir)
		if err != nil || !info.IsDir() {
			continue
		}
		for _, pattern := range []string{"*/*.xlsx", "*/*.csv"} {
			matches, err := filepath.Glob(filepath.Join(regionDir, pattern))
			if err != nil {
				return nil, fmt.Errorf("failed to scan %s: %w", regionDir, err)
			}
			files = append(files, matches...)
		}
	}
	sort.Strings(files)
	return files, nil
}

// ReadDropFile dispatches on extension.
func ReadDropFile(path string) ([]Row, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		return ReadXLSX(path)
	case ".csv":
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", path, err)
		}
		defer f.Close()
		return ReadCSV(f)
	default:
		return nil, fmt.Errorf("unsupported drop file type: %s", path)
	}
}

func normalizeHeader(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
