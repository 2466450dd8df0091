package patient

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode"

	"github.com/xuri/excelize/v2"

	"github.com/odsaligners-portal/crm-sub003/internal/casefields"
)

const exportSheet = "Patients"

// exportPageSize bounds each repository read while exporting.
const exportPageSize = 200

type exportColumn struct {
	label string
	value func(r *Record) interface{}
}

func exportColumns() []exportColumn {
	cols := []exportColumn{
		{"Case ID", func(r *Record) interface{} { return r.CaseID }},
		{"Status", func(r *Record) interface{} { return string(r.Status) }},
		{"Owner", func(r *Record) interface{} { return r.OwnerID }},
		{"Created", func(r *Record) interface{} { return r.CreatedAt.Format("2006-01-02 15:04") }},
		{"Updated", func(r *Record) interface{} { return r.UpdatedAt.Format("2006-01-02 15:04") }},
	}
	for step := casefields.StepDetails; step < casefields.StepScans; step++ {
		for _, field := range casefields.FieldsFor(step) {
			cols = append(cols, exportColumn{headerFor(field), func(r *Record) interface{} { return r.Fields.String(field) }})
		}
	}
	cols = append(cols, exportColumn{"Scan Files", func(r *Record) interface{} { return len(r.Fields.ScanFiles()) }})
	return cols
}

// headerFor turns a camelCase field name into a title: "patientName" -> "Patient Name".
func headerFor(field string) string {
	var b strings.Builder
	for i, r := range field {
		if i == 0 {
			b.WriteRune(unicode.ToUpper(r))
			continue
		}
		if unicode.IsUpper(r) {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// BuildWorkbook renders records into a single-sheet workbook.
func BuildWorkbook(records []*Record, generated time.Time) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", exportSheet); err != nil {
		f.Close()
		return nil, fmt.Errorf("name sheet: %w", err)
	}

	titleStyle, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Size: 14},
	})
	f.SetCellValue(exportSheet, "A1", "Patient records")
	f.SetCellStyle(exportSheet, "A1", "A1", titleStyle)
	f.SetCellValue(exportSheet, "A2", fmt.Sprintf("Generated: %s", generated.UTC().Format("2006-01-02 15:04:05 MST")))

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Color: "#FFFFFF"},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#4472C4"}, Pattern: 1},
		Alignment: &excelize.Alignment{
			Horizontal: "center",
			Vertical:   "center",
		},
	})

	const headerRow = 4
	cols := exportColumns()
	for i, col := range cols {
		cell, _ := excelize.CoordinatesToCellName(i+1, headerRow)
		f.SetCellValue(exportSheet, cell, col.label)
		f.SetCellStyle(exportSheet, cell, cell, headerStyle)
	}
	first, _ := excelize.ColumnNumberToName(1)
	last, _ := excelize.ColumnNumberToName(len(cols))
	f.SetColWidth(exportSheet, first, last, 20)

	for rowIdx, rec := range records {
		for colIdx, col := range cols {
			cell, _ := excelize.CoordinatesToCellName(colIdx+1, headerRow+1+rowIdx)
			if err := f.SetCellValue(exportSheet, cell, col.value(rec)); err != nil {
				f.Close()
				return nil, fmt.Errorf("write cell %s: %w", cell, err)
			}
		}
	}
	return f, nil
}

// Export writes every record matching filter (within actor scope) as XLSX.
func (s *Service) Export(ctx context.Context, actor Actor, filter ListFilter, w io.Writer) (int, error) {
	var all []*Record
	filter.Limit = exportPageSize
	for offset := 0; ; offset += exportPageSize {
		filter.Offset = offset
		page, total, err := s.List(ctx, actor, filter)
		if err != nil {
			return 0, err
		}
		all = append(all, page...)
		if len(page) == 0 || offset+len(page) >= total {
			break
		}
	}

	f, err := BuildWorkbook(all, s.now())
	if err != nil {
		return 0, err
	}
	defer f.Close()
	if _, err := f.WriteTo(w); err != nil {
		return 0, fmt.Errorf("write workbook: %w", err)
	}
	s.logger.Info().Int("records", len(all)).Msg("patient records exported")
	return len(all), nil
}
