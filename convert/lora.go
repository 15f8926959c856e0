// lora.go - LoRA-Delta berechnen und in Basisgewichte falten
// Hauptfunktionen: loraDelta (scale·B·A via gonum), applyDelta
package convert

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// loraDelta berechnet scale·B·A. A hat die Form [r, in], B [out, r].
// Mit transpose wird (B·A)^T geliefert (fan_in_fan_out, Embeddings).
func loraDelta(a []float32, aShape []int64, b []float32, bShape []int64, scale float64, transpose bool) (*mat.Dense, error) {
	if len(aShape) != 2 || len(bShape) != 2 {
		return nil, fmt.Errorf("expected 2D LoRA matrices, got A%v B%v", aShape, bShape)
	}

	r, in := int(aShape[0]), int(aShape[1])
	out, rb := int(bShape[0]), int(bShape[1])
	if r != rb {
		return nil, fmt.Errorf("rank mismatch: A%v B%v", aShape, bShape)
	}
	if r == 0 || in == 0 || out == 0 || len(a) != r*in || len(b) != out*r {
		return nil, fmt.Errorf("invalid LoRA data: A%v (%d values) B%v (%d values)", aShape, len(a), bShape, len(b))
	}

	A := mat.NewDense(r, in, widen(a))
	B := mat.NewDense(out, r, widen(b))

	var delta mat.Dense
	delta.Mul(B, A)
	delta.Scale(scale, &delta)

	if transpose {
		var t mat.Dense
		t.CloneFrom(delta.T())
		return &t, nil
	}
	return &delta, nil
}

// applyDelta addiert delta elementweise auf w (Form wShape)
func applyDelta(w []float32, wShape []int64, delta *mat.Dense) error {
	rows, cols := delta.Dims()
	if len(wShape) != 2 || int(wShape[0]) != rows || int(wShape[1]) != cols {
		return fmt.Errorf("shape mismatch: weight %v, delta [%d %d]", wShape, rows, cols)
	}

	raw := delta.RawMatrix()
	for i := range rows {
		row := raw.Data[i*raw.Stride : i*raw.Stride+cols]
		for j, v := range row {
			w[i*cols+j] += float32(v)
		}
	}
	return nil
}

func widen(f []float32) []float64 {
	out := make([]float64, len(f))
	for i, v := range f {
		out[i] = float64(v)
	}
	return out
}
