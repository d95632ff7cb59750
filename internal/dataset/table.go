package dataset

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	goexcel "github.com/VantageDataChat/GoExcel"
	"github.com/richardlehane/mscfb"
	"github.com/shakinm/xlsReader/xls"
)

// ErrUnsupportedFormat is returned for files that are not xlsx, xls or csv.
var ErrUnsupportedFormat = errors.New("unsupported dataset format")

var (
	zipMagic  = []byte("PK\x03\x04")
	ole2Magic = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}
	utf8BOM   = []byte{0xEF, 0xBB, 0xBF}
)

// Table is one sheet of raw cell text. Rows[0] is the header row.
type Table struct {
	Sheet string
	Rows  [][]string
}

// ReadTable reads the dataset sheet from path. The format is chosen by
// content sniffing, with the extension used only for plain-text CSV.
func ReadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseTable(data, filepath.Ext(path))
}

// ParseTable parses data as a workbook or CSV. ext is a hint such as ".csv".
func ParseTable(data []byte, ext string) (*Table, error) {
	switch {
	case bytes.HasPrefix(data, zipMagic):
		return parseXLSX(data)
	case bytes.HasPrefix(data, ole2Magic):
		if !isLegacyWorkbook(data) {
			return nil, fmt.Errorf("%w: OLE2 file without a workbook stream", ErrUnsupportedFormat)
		}
		return parseXLS(data)
	case strings.EqualFold(ext, ".csv"):
		return parseCSV(data)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
}

func parseXLSX(data []byte) (table *Table, err error) {
	defer func() {
		if r := recover(); r != nil {
			table = nil
			err = fmt.Errorf("xlsx parse error: %v", r)
		}
	}()

	reader := goexcel.NewXLSXReader()
	wb, err := reader.Read(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("xlsx parse error: %w", err)
	}

	names := wb.GetSheetNames()
	if len(names) == 0 {
		return nil, fmt.Errorf("xlsx parse error: workbook has no sheets")
	}
	name := pickSheet(names)
	sheet, err := wb.GetSheetByName(name)
	if err != nil {
		return nil, fmt.Errorf("xlsx sheet %q: %w", name, err)
	}
	rows, err := sheet.RowIterator()
	if err != nil {
		return nil, fmt.Errorf("xlsx sheet %q rows: %w", name, err)
	}

	table = &Table{Sheet: name}
	for _, row := range rows {
		var values []string
		for _, cell := range row {
			if cell == nil || cell.IsEmpty() {
				continue
			}
			col := cell.Col()
			if col < 0 {
				continue
			}
			for len(values) <= col {
				values = append(values, "")
			}
			values[col] = cell.GetFormattedValue()
		}
		table.Rows = append(table.Rows, values)
	}
	return table, nil
}

func parseXLS(data []byte) (table *Table, err error) {
	defer func() {
		if r := recover(); r != nil {
			table = nil
			err = fmt.Errorf("xls parse error: %v", r)
		}
	}()

	wb, err := xls.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("xls parse error: %w", err)
	}

	chosen := -1
	var chosenName string
	for i := 0; i < wb.GetNumberSheets(); i++ {
		sheet, err := wb.GetSheet(i)
		if err != nil {
			continue
		}
		if sheet.GetName() == PreferredSheet {
			chosen, chosenName = i, sheet.GetName()
			break
		}
		if chosen < 0 {
			chosen, chosenName = i, sheet.GetName()
		}
	}
	if chosen < 0 {
		return nil, fmt.Errorf("xls parse error: workbook has no readable sheets")
	}

	sheet, err := wb.GetSheet(chosen)
	if err != nil {
		return nil, fmt.Errorf("xls sheet %q: %w", chosenName, err)
	}
	table = &Table{Sheet: chosenName}
	for rowIdx := 0; rowIdx < sheet.GetNumberRows(); rowIdx++ {
		row, err := sheet.GetRow(rowIdx)
		if err != nil || row == nil {
			table.Rows = append(table.Rows, nil)
			continue
		}
		cols := row.GetCols()
		values := make([]string, len(cols))
		for colIdx, cell := range cols {
			values[colIdx] = cell.GetString()
		}
		table.Rows = append(table.Rows, values)
	}
	return table, nil
}

// isLegacyWorkbook reports whether an OLE2 container holds a BIFF workbook stream.
func isLegacyWorkbook(data []byte) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()

	doc, err := mscfb.New(bytes.NewReader(data))
	if err != nil {
		return false
	}
	for {
		entry, nextErr := doc.Next()
		if nextErr != nil {
			return false
		}
		if entry.Name == "Workbook" || entry.Name == "Book" {
			return true
		}
	}
}

func parseCSV(data []byte) (*Table, error) {
	r := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(data, utf8BOM)))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("csv parse error: %w", err)
	}
	return &Table{Sheet: PreferredSheet, Rows: rows}, nil
}

func pickSheet(names []string) string {
	for _, n := range names {
		if n == PreferredSheet {
			return n
		}
	}
	return names[0]
}
