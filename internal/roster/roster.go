// Package roster reads enrollment rosters from CSV files and spreadsheets.
package roster

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"qrattend/internal/attendance"
)

// Format is a roster file format.
type Format string

const (
	CSV  Format = "csv"
	XLSX Format = "xlsx"
)

var (
	// ErrNoHeader means no row named both the name and register number columns.
	ErrNoHeader = errors.New("roster: header with name and registerNo columns not found")
	// ErrUnknownFormat is returned for files that are neither CSV nor XLSX.
	ErrUnknownFormat = errors.New("roster: unknown format")
)

// FormatFromName guesses the format from a file name's extension.
func FormatFromName(name string) (Format, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv":
		return CSV, nil
	case ".xlsx", ".xlsm":
		return XLSX, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownFormat, name)
}

// Row is one roster entry as read from the file.
type Row struct {
	Line       int
	Name       string
	RegisterNo string
}

// Validate applies the same checks enrollment does.
func (r Row) Validate() error {
	return r.Enrollee().Validate()
}

// Enrollee converts the row for the attendance service.
func (r Row) Enrollee() attendance.Enrollee {
	return attendance.Enrollee{Line: r.Line, Name: r.Name, RegisterNo: r.RegisterNo}
}

// Enrollees converts all rows.
func Enrollees(rows []Row) []attendance.Enrollee {
	out := make([]attendance.Enrollee, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Enrollee())
	}
	return out
}

// Parse reads all data rows of the roster in r. For spreadsheets only the
// first sheet is read. Blank lines are skipped; rows with a missing field are
// returned as-is so the caller can report them.
func Parse(r io.Reader, format Format) ([]Row, error) {
	var (
		records []record
		err     error
	)
	switch format {
	case CSV:
		records, err = readCSV(r)
	case XLSX:
		records, err = readXLSX(r)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	if err != nil {
		return nil, err
	}
	return rowsFrom(records)
}

// record is a row of cells and the 1-based line it was read from.
type record struct {
	line  int
	cells []string
}

func readCSV(r io.Reader) ([]record, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var records []record
	for {
		cells, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return nil, fmt.Errorf("roster: read csv: %w", err)
		}
		line, _ := cr.FieldPos(0)
		records = append(records, record{line: line, cells: cells})
	}
}

func readXLSX(r io.Reader) ([]record, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("roster: open xlsx: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("roster: workbook has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("roster: read sheet %s: %w", sheets[0], err)
	}
	records := make([]record, 0, len(rows))
	for i, cells := range rows {
		records = append(records, record{line: i + 1, cells: cells})
	}
	return records, nil
}

func rowsFrom(records []record) ([]Row, error) {
	headerAt, nameCol, regCol := -1, -1, -1
	for i, rec := range records {
		nameCol, regCol = columns(rec.cells)
		if nameCol >= 0 && regCol >= 0 {
			headerAt = i
			break
		}
	}
	if headerAt < 0 {
		return nil, ErrNoHeader
	}

	var rows []Row
	for i := headerAt + 1; i < len(records); i++ {
		rec := records[i]
		row := Row{
			Line:       rec.line,
			Name:       cell(rec.cells, nameCol),
			RegisterNo: cell(rec.cells, regCol),
		}
		if row.Name == "" && row.RegisterNo == "" {
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func columns(header []string) (name, registerNo int) {
	name, registerNo = -1, -1
	for i, h := range header {
		switch normalize(h) {
		case "name", "fullname":
			name = i
		case "registerno", "registernumber", "regno":
			registerNo = i
		}
	}
	return name, registerNo
}

func normalize(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	return strings.NewReplacer(" ", "", "_", "", "-", "", ".", "").Replace(h)
}

func cell(rec []string, i int) string {
	if i < 0 || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}
