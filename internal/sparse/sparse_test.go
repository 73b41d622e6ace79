package sparse

import (
	"errors"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestFullCoversEveryCoordinate(t *testing.T) {
	tests := []struct {
		name string
		r, c int
		data []float64
	}{
		{"1x1 zero", 1, 1, []float64{0}},
		{"2x3 mixed", 2, 3, []float64{1, 0, 2, 0, 0, 3}},
		{"3x2 all zero", 3, 2, []float64{0, 0, 0, 0, 0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := mat.NewDense(tt.r, tt.c, tt.data)
			got := Full(m)

			if got.NRows != tt.r || got.NCols != tt.c {
				t.Fatalf("shape = %dx%d, want %dx%d", got.NRows, got.NCols, tt.r, tt.c)
			}
			if got.NNZ() != tt.r*tt.c {
				t.Fatalf("NNZ = %d, want %d", got.NNZ(), tt.r*tt.c)
			}
			// Row-major coordinate order, values carried verbatim.
			k := 0
			for i := 0; i < tt.r; i++ {
				for j := 0; j < tt.c; j++ {
					if got.Rows[k] != i || got.Cols[k] != j {
						t.Fatalf("entry %d at (%d,%d), want (%d,%d)", k, got.Rows[k], got.Cols[k], i, j)
					}
					if got.Data[k] != m.At(i, j) {
						t.Errorf("entry (%d,%d) = %v, want %v", i, j, got.Data[k], m.At(i, j))
					}
					k++
				}
			}
		})
	}
}

func TestFullLower(t *testing.T) {
	m := mat.NewDense(3, 3, []float64{
		1, 2, 3,
		4, 5, 6,
		7, 8, 9,
	})
	got, err := FullLower(m)
	if err != nil {
		t.Fatalf("FullLower: %v", err)
	}
	if want := 6; got.NNZ() != want {
		t.Fatalf("NNZ = %d, want %d", got.NNZ(), want)
	}
	for k := range got.Data {
		if got.Rows[k] < got.Cols[k] {
			t.Errorf("entry %d at (%d,%d) is above the diagonal", k, got.Rows[k], got.Cols[k])
		}
	}
	if got.At(2, 0) != 7 {
		t.Errorf("At(2,0) = %v, want 7", got.At(2, 0))
	}
	if got.At(0, 2) != 0 {
		t.Errorf("At(0,2) = %v, want 0 (upper triangle dropped)", got.At(0, 2))
	}
}

func TestFullLowerRejectsRectangular(t *testing.T) {
	m := mat.NewDense(2, 3, nil)
	if _, err := FullLower(m); !errors.Is(err, ErrNotSquare) {
		t.Fatalf("err = %v, want ErrNotSquare", err)
	}
}

func TestEmpty(t *testing.T) {
	e := Empty(0, 4)
	if e.NRows != 0 || e.NCols != 4 {
		t.Fatalf("shape = %dx%d, want 0x4", e.NRows, e.NCols)
	}
	if e.NNZ() != 0 {
		t.Fatalf("NNZ = %d, want 0", e.NNZ())
	}
	if e.Dense() != nil {
		t.Fatal("Dense of a zero-sized block should be nil")
	}
}

func TestDenseRoundTrip(t *testing.T) {
	m := mat.NewDense(2, 2, []float64{0, 1.5, -2, 0})
	got := Full(m).Dense()
	if !mat.EqualApprox(got, m, 0) {
		t.Fatalf("round trip mismatch:\ngot  %v\nwant %v", mat.Formatted(got), mat.Formatted(m))
	}
}
