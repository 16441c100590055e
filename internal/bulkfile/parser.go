// Package bulkfile parses bulk-import spreadsheets into candidate rows for
// the staged document pipeline. It accepts xlsx and csv uploads with the
// fixed column order: external id, name, email, course.
package bulkfile

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/xuri/excelize/v2"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported file format")
	ErrNoRows            = errors.New("file contains no data rows")
	ErrTooManyRows       = errors.New("file exceeds the row limit")
)

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9_+&*-]+(?:\.[a-zA-Z0-9_+&*-]+)*@(?:[a-zA-Z0-9-]+\.)+[a-zA-Z]{2,7}$`)

// Row is one parsed data row. RowNumber counts from 1 for the first data row,
// the header excluded.
type Row struct {
	RowNumber  int
	ExternalID string
	Name       string
	Email      string
	Course     string
}

// Validate checks one row and returns a human-readable reason when invalid.
// All field problems for a row are reported together.
func (r Row) Validate() (bool, string) {
	var problems []string
	if strings.TrimSpace(r.ExternalID) == "" {
		problems = append(problems, "external id is required")
	}
	if strings.TrimSpace(r.Name) == "" {
		problems = append(problems, "name is required")
	}
	trimmedEmail := strings.TrimSpace(r.Email)
	if trimmedEmail == "" {
		problems = append(problems, "email is required")
	} else if !emailPattern.MatchString(trimmedEmail) {
		problems = append(problems, fmt.Sprintf("invalid email format: %s", trimmedEmail))
	}
	if strings.TrimSpace(r.Course) == "" {
		problems = append(problems, "course is required")
	}
	if len(problems) > 0 {
		return false, strings.Join(problems, "; ")
	}
	return true, ""
}

// Parse reads the upload and returns its data rows in file order. The first
// row is treated as a header and skipped; fully blank rows are ignored.
// maxRows caps the number of data rows when positive.
func Parse(filename string, r io.Reader, maxRows int) ([]Row, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".xlsx":
		return parseXLSX(r, maxRows)
	case ".csv":
		return parseCSV(r, maxRows)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(filename))
	}
}

func parseXLSX(r io.Reader, maxRows int) ([]Row, error) {
	file, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open xlsx: %w", err)
	}
	defer file.Close()

	sheets := file.GetSheetList()
	if len(sheets) == 0 {
		return nil, ErrNoRows
	}
	records, err := file.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read xlsx rows: %w", err)
	}
	if len(records) > 0 {
		records = records[1:] // header
	}
	return collectRows(records, maxRows)
}

func parseCSV(r io.Reader, maxRows int) ([]Row, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var records [][]string
	first := true
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		if first {
			first = false
			if len(record) > 0 {
				record[0] = strings.TrimPrefix(record[0], "\ufeff")
			}
			continue // header
		}
		records = append(records, record)
	}
	return collectRows(records, maxRows)
}

func collectRows(records [][]string, maxRows int) ([]Row, error) {
	var rows []Row
	for _, record := range records {
		if isBlank(record) {
			continue
		}
		if maxRows > 0 && len(rows) >= maxRows {
			return nil, ErrTooManyRows
		}
		rows = append(rows, Row{
			RowNumber:  len(rows) + 1,
			ExternalID: cell(record, 0),
			Name:       cell(record, 1),
			Email:      cell(record, 2),
			Course:     cell(record, 3),
		})
	}
	if len(rows) == 0 {
		return nil, ErrNoRows
	}
	return rows, nil
}

func cell(record []string, index int) string {
	if index >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[index])
}

func isBlank(record []string) bool {
	for _, value := range record {
		if strings.TrimSpace(value) != "" {
			return false
		}
	}
	return true
}
