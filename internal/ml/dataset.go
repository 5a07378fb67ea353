package ml

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Dataset holds the parsed training matrix. Features is n rows of
// domain.FeatureCount columns in domain.FeatureColumns order; Labels is the
// parallel binary target.
type Dataset struct {
	Features [][]float64
	Labels   []float64
}

// Len returns the number of rows.
func (d *Dataset) Len() int { return len(d.Features) }

// PositiveRate returns the share of positive labels.
func (d *Dataset) PositiveRate() float64 {
	if len(d.Labels) == 0 {
		return 0
	}
	var pos float64
	for _, y := range d.Labels {
		pos += y
	}
	return pos / float64(len(d.Labels))
}

// LoadDataset parses an uploaded training file by extension. Supported
// formats are csv, xlsx and json (array of objects).
func LoadDataset(path string) (*Dataset, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return loadCSV(path)
	case ".xlsx":
		return loadXLSX(path)
	case ".json":
		return loadJSON(path)
	default:
		return nil, domain.NewValidationError("unsupported file type %q, expected csv, xlsx or json", filepath.Ext(path))
	}
}

func loadCSV(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open upload: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true
	rows, err := r.ReadAll()
	if err != nil {
		return nil, domain.NewValidationError("malformed csv: %v", err)
	}
	return fromRows(rows)
}

func loadXLSX(path string) (*Dataset, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, domain.NewValidationError("malformed xlsx: %v", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, domain.NewValidationError("xlsx file has no sheets")
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, domain.NewValidationError("failed to read xlsx sheet %q: %v", sheets[0], err)
	}
	return fromRows(rows)
}

func loadJSON(path string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}

	var records []map[string]any
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, domain.NewValidationError("malformed json, expected an array of objects: %v", err)
	}

	// Normalize to header + rows so the column resolution path is shared.
	seen := map[string]bool{}
	var header []string
	for _, rec := range records {
		for k := range rec {
			if !seen[k] {
				seen[k] = true
				header = append(header, k)
			}
		}
	}

	rows := [][]string{header}
	for _, rec := range records {
		row := make([]string, len(header))
		for i, k := range header {
			if v, ok := rec[k]; ok && v != nil {
				row[i] = fmt.Sprintf("%v", v)
			}
		}
		rows = append(rows, row)
	}
	return fromRows(rows)
}

// fromRows resolves the header against the column alias table, then parses
// data rows. Rows where every recognized column is empty are dropped.
func fromRows(rows [][]string) (*Dataset, error) {
	if len(rows) < 2 {
		return nil, domain.NewValidationError("upload has no data rows")
	}

	featureCol := make([]int, domain.FeatureCount) // feature index -> column, -1 if absent
	for i := range featureCol {
		featureCol[i] = -1
	}
	labelCol, rawLabelCol := -1, -1

	for col, h := range rows[0] {
		canonical, ok := CanonicalColumn(h)
		if !ok {
			continue // unknown columns are ignored
		}
		switch canonical {
		case LabelColumn:
			labelCol = col
		case RawLabelColumn:
			rawLabelCol = col
		default:
			featureCol[featureIndex(canonical)] = col
		}
	}

	var missing []string
	for i, col := range featureCol {
		if col == -1 {
			missing = append(missing, domain.FeatureColumns[i])
		}
	}
	if labelCol == -1 && rawLabelCol == -1 {
		missing = append(missing, LabelColumn)
	}
	if len(missing) > 0 {
		return nil, &domain.ValidationError{Msg: "upload is missing required columns", MissingColumns: missing}
	}

	d := &Dataset{}
	for n, row := range rows[1:] {
		if emptyRow(row, featureCol, labelCol, rawLabelCol) {
			continue
		}

		features := make([]float64, domain.FeatureCount)
		for i, col := range featureCol {
			v, err := parseCell(row, col)
			if err != nil {
				return nil, domain.NewValidationError("row %d, column %s: %v", n+2, domain.FeatureColumns[i], err)
			}
			features[i] = v
		}

		var label float64
		if labelCol != -1 {
			v, err := parseCell(row, labelCol)
			if err != nil {
				return nil, domain.NewValidationError("row %d, column %s: %v", n+2, LabelColumn, err)
			}
			if v != 0 && v != 1 {
				return nil, domain.NewValidationError("row %d: binary label must be 0 or 1, got %v", n+2, v)
			}
			label = v
		} else {
			bucket, err := parseCell(row, rawLabelCol)
			if err != nil {
				return nil, domain.NewValidationError("row %d, column %s: %v", n+2, RawLabelColumn, err)
			}
			if bucket > 0 {
				label = 1
			}
		}

		d.Features = append(d.Features, features)
		d.Labels = append(d.Labels, label)
	}

	if d.Len() == 0 {
		return nil, domain.NewValidationError("upload has no usable data rows")
	}
	if degenerate(d.Labels) {
		return nil, domain.NewValidationError("labels are degenerate: training needs both classes present")
	}
	return d, nil
}

func emptyRow(row []string, featureCol []int, labelCol, rawLabelCol int) bool {
	cols := append([]int{labelCol, rawLabelCol}, featureCol...)
	for _, col := range cols {
		if col < 0 || col >= len(row) {
			continue
		}
		if strings.TrimSpace(row[col]) != "" {
			return false
		}
	}
	return true
}

func parseCell(row []string, col int) (float64, error) {
	if col >= len(row) {
		return 0, fmt.Errorf("cell is missing")
	}
	s := strings.TrimSpace(row[col])
	if s == "" {
		return 0, fmt.Errorf("cell is empty")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	return v, nil
}

func degenerate(labels []float64) bool {
	if len(labels) == 0 {
		return true
	}
	first := labels[0]
	for _, y := range labels[1:] {
		if y != first {
			return false
		}
	}
	return true
}
