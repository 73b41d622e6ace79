// Package sparse converts dense derivative blocks into coordinate-format
// matrices whose entry pattern is fully explicit and therefore identical on
// every call, regardless of how many values are numerically zero.
package sparse

import (
	"errors"

	"gonum.org/v1/gonum/mat"
)

// ErrNotSquare is returned by FullLower when the input is rectangular.
var ErrNotSquare = errors.New("sparse: matrix is not square")

// COO is a coordinate-format matrix with parallel row/column/value slices.
// Constructors in this package emit one entry per promised coordinate, zeros
// included, so the nonzero pattern is stable across repeated evaluations.
type COO struct {
	NRows, NCols int
	Rows, Cols   []int
	Data         []float64
}

// Empty returns a COO of the given shape with no entries. It is the
// degenerate block for shapes with a zero dimension.
func Empty(r, c int) *COO {
	return &COO{NRows: r, NCols: c}
}

// Full converts m into a COO carrying an explicit entry at every coordinate.
func Full(m mat.Matrix) *COO {
	r, c := m.Dims()
	out := &COO{
		NRows: r,
		NCols: c,
		Rows:  make([]int, 0, r*c),
		Cols:  make([]int, 0, r*c),
		Data:  make([]float64, 0, r*c),
	}
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Rows = append(out.Rows, i)
			out.Cols = append(out.Cols, j)
			out.Data = append(out.Data, m.At(i, j))
		}
	}
	return out
}

// FullLower converts a square m into a COO carrying an explicit entry at
// every coordinate on or below the diagonal. The upper triangle is dropped,
// not mirrored.
func FullLower(m mat.Matrix) (*COO, error) {
	r, c := m.Dims()
	if r != c {
		return nil, ErrNotSquare
	}
	n := r * (r + 1) / 2
	out := &COO{
		NRows: r,
		NCols: c,
		Rows:  make([]int, 0, n),
		Cols:  make([]int, 0, n),
		Data:  make([]float64, 0, n),
	}
	for i := 0; i < r; i++ {
		for j := 0; j <= i; j++ {
			out.Rows = append(out.Rows, i)
			out.Cols = append(out.Cols, j)
			out.Data = append(out.Data, m.At(i, j))
		}
	}
	return out, nil
}

// NNZ reports the number of stored entries, zeros included.
func (m *COO) NNZ() int { return len(m.Data) }

// At returns the stored value at (i, j), or zero if the coordinate is not
// part of the pattern.
func (m *COO) At(i, j int) float64 {
	for k := range m.Data {
		if m.Rows[k] == i && m.Cols[k] == j {
			return m.Data[k]
		}
	}
	return 0
}

// Dense reconstructs the stored entries as a dense matrix. It returns nil
// for shapes with a zero dimension.
func (m *COO) Dense() *mat.Dense {
	if m.NRows == 0 || m.NCols == 0 {
		return nil
	}
	d := mat.NewDense(m.NRows, m.NCols, nil)
	for k := range m.Data {
		d.Set(m.Rows[k], m.Cols[k], m.Data[k])
	}
	return d
}
