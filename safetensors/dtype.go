// dtype.go - Datentypen von Safetensors-Dateien
//
// Enthält:
// - DTypeSize: Bytes pro Element
// - DecodeFloat32: F32/F16/BF16/F64 nach float32
// - EncodeFloat32: float32 in den Ziel-Datentyp
package safetensors

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

const (
	F64  = "F64"
	F32  = "F32"
	F16  = "F16"
	BF16 = "BF16"
	I64  = "I64"
	I32  = "I32"
	I16  = "I16"
	I8   = "I8"
	U8   = "U8"
	BOOL = "BOOL"
)

// DTypeSize gibt die Groesse eines Elements in Bytes zurueck
func DTypeSize(dtype string) (int, error) {
	switch dtype {
	case F64, I64:
		return 8, nil
	case F32, I32:
		return 4, nil
	case F16, BF16, I16:
		return 2, nil
	case I8, U8, BOOL:
		return 1, nil
	}
	return 0, fmt.Errorf("unsupported dtype %q", dtype)
}

// IsFloat meldet, ob dtype ein Gleitkommatyp ist
func IsFloat(dtype string) bool {
	switch dtype {
	case F64, F32, F16, BF16:
		return true
	}
	return false
}

// DecodeFloat32 dekodiert little-endian Rohdaten nach float32
func DecodeFloat32(dtype string, raw []byte) ([]float32, error) {
	switch dtype {
	case F32:
		out := make([]float32, len(raw)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return out, nil
	case F16:
		out := make([]float32, len(raw)/2)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
		return out, nil
	case BF16:
		return bfloat16.DecodeFloat32(raw), nil
	case F64:
		out := make([]float32, len(raw)/8)
		for i := range out {
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:])))
		}
		return out, nil
	}
	return nil, fmt.Errorf("cannot decode dtype %q as float", dtype)
}

// EncodeFloat32 kodiert f im Ziel-Datentyp (little-endian)
func EncodeFloat32(dtype string, f []float32) ([]byte, error) {
	switch dtype {
	case F32:
		out := make([]byte, len(f)*4)
		for i, v := range f {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
		}
		return out, nil
	case F16:
		out := make([]byte, len(f)*2)
		for i, v := range f {
			binary.LittleEndian.PutUint16(out[i*2:], float16.Fromfloat32(v).Bits())
		}
		return out, nil
	case BF16:
		return bfloat16.EncodeFloat32(f), nil
	case F64:
		out := make([]byte, len(f)*8)
		for i, v := range f {
			binary.LittleEndian.PutUint64(out[i*8:], math.Float64bits(float64(v)))
		}
		return out, nil
	}
	return nil, fmt.Errorf("cannot encode float as dtype %q", dtype)
}

// Convert wandelt Rohdaten zwischen zwei Gleitkommatypen um.
// Nicht-Gleitkommatypen werden unveraendert zurueckgegeben.
func Convert(raw []byte, from, to string) ([]byte, error) {
	if from == to || !IsFloat(from) || !IsFloat(to) {
		return raw, nil
	}

	f32s, err := DecodeFloat32(from, raw)
	if err != nil {
		return nil, err
	}
	return EncodeFloat32(to, f32s)
}
