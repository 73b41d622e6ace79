package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"gonum.org/v1/gonum/mat"

	"github.com/cwbudde/implicitfit/internal/sparse"
)

// writeJSON encodes v with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// matrixRows flattens a matrix into row slices for JSON storage.
func matrixRows(m mat.Matrix) [][]float64 {
	r, c := m.Dims()
	rows := make([][]float64, r)
	for i := 0; i < r; i++ {
		rows[i] = make([]float64, c)
		for j := 0; j < c; j++ {
			rows[i][j] = m.At(i, j)
		}
	}
	return rows
}

// cooRows materializes a coordinate matrix as dense row slices. Entries not
// present in the pattern read as zero, so a lower-triangular Hessian keeps
// its zero upper half.
func cooRows(c *sparse.COO) [][]float64 {
	if c == nil {
		return nil
	}
	d := c.Dense()
	if d == nil {
		return nil
	}
	return matrixRows(d)
}
