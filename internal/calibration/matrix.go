package calibration

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"
)

// ErrUnsupportedFormat is returned for calibration files that are neither .npy nor .json.
var ErrUnsupportedFormat = errors.New("unsupported calibration file format")

// matrix is a row-major 2-D array read from disk.
type matrix struct {
	rows, cols int
	data       []float64
}

func (m matrix) row(i int) []float64 {
	return m.data[i*m.cols : (i+1)*m.cols]
}

func readMatrix(path string) (matrix, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".npy":
		return readNPY(path)
	case ".json":
		return readJSON(path)
	default:
		return matrix{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}

func readNPY(path string) (matrix, error) {
	f, err := os.Open(path)
	if err != nil {
		return matrix{}, err
	}
	defer f.Close()

	r, err := npyio.NewReader(f)
	if err != nil {
		return matrix{}, fmt.Errorf("read npy header %s: %w", path, err)
	}

	var data []float64
	dtype := strings.TrimLeft(r.Header.Descr.Type, "<>|=")
	switch dtype {
	case "f8":
		err = r.Read(&data)
	case "f4":
		var v []float32
		if err = r.Read(&v); err == nil {
			data = widen(v)
		}
	case "i4":
		var v []int32
		if err = r.Read(&v); err == nil {
			data = widen(v)
		}
	case "i8":
		var v []int64
		if err = r.Read(&v); err == nil {
			data = widen(v)
		}
	default:
		return matrix{}, fmt.Errorf("%s: unsupported npy dtype %q", path, r.Header.Descr.Type)
	}
	if err != nil {
		return matrix{}, fmt.Errorf("read npy data %s: %w", path, err)
	}

	m, err := shapeOf(r.Header.Descr.Shape, len(data))
	if err != nil {
		return matrix{}, fmt.Errorf("%s: %w", path, err)
	}
	m.data = data
	if r.Header.Descr.Fortran {
		m = transposeColumnMajor(m)
	}
	return m, nil
}

// shapeOf folds an n-d shape into rows x cols using the last axis as columns,
// so an (N,1,2) contour array reads as N x 2.
func shapeOf(shape []int, n int) (matrix, error) {
	if len(shape) == 0 {
		return matrix{}, fmt.Errorf("scalar array has no rows")
	}
	cols := shape[len(shape)-1]
	if cols <= 0 || n%cols != 0 {
		return matrix{}, fmt.Errorf("shape %v does not match %d values", shape, n)
	}
	if len(shape) == 1 {
		return matrix{rows: 1, cols: cols}, nil
	}
	return matrix{rows: n / cols, cols: cols}, nil
}

func transposeColumnMajor(m matrix) matrix {
	out := matrix{rows: m.rows, cols: m.cols, data: make([]float64, len(m.data))}
	for r := 0; r < m.rows; r++ {
		for c := 0; c < m.cols; c++ {
			out.data[r*m.cols+c] = m.data[c*m.rows+r]
		}
	}
	return out
}

func widen[T float32 | int32 | int64](v []T) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

func readJSON(path string) (matrix, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return matrix{}, err
	}
	var rows [][]float64
	if err := json.Unmarshal(raw, &rows); err != nil {
		return matrix{}, fmt.Errorf("decode %s: %w", path, err)
	}
	if len(rows) == 0 {
		return matrix{}, fmt.Errorf("%s: empty matrix", path)
	}
	m := matrix{rows: len(rows), cols: len(rows[0])}
	for i, row := range rows {
		if len(row) != m.cols {
			return matrix{}, fmt.Errorf("%s: row %d has %d values, want %d", path, i, len(row), m.cols)
		}
		m.data = append(m.data, row...)
	}
	return m, nil
}

// WriteMatrix stores a row-major matrix as .npy (float64) or .json depending on
// the path extension.
func WriteMatrix(path string, rows, cols int, data []float64) error {
	if rows <= 0 || cols <= 0 || rows*cols != len(data) {
		return fmt.Errorf("matrix %dx%d needs %d values, got %d", rows, cols, rows*cols, len(data))
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".npy":
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		if err := npyio.Write(f, mat.NewDense(rows, cols, data)); err != nil {
			f.Close()
			return fmt.Errorf("write npy %s: %w", path, err)
		}
		return f.Close()
	case ".json":
		out := make([][]float64, rows)
		for r := 0; r < rows; r++ {
			out[r] = data[r*cols : (r+1)*cols]
		}
		raw, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return err
		}
		return os.WriteFile(path, raw, 0o644)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}
