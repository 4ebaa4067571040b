package tensor

import (
	"fmt"
	"math"
	"math/bits"
	"strings"

	"github.com/apache/arrow-go/v18/arrow/float16"
)

// DType identifies the element storage type of a Tensor.
type DType int

const (
	Float32 DType = iota
	Float16
	Int32
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	case Int32:
		return "int32"
	default:
		return fmt.Sprintf("dtype(%d)", int(d))
	}
}

// Size returns the element size in bytes.
func (d DType) Size() int {
	switch d {
	case Float16:
		return 2
	default:
		return 4
	}
}

// IsFloat reports whether the dtype holds floating point values.
func (d DType) IsFloat() bool {
	return d == Float32 || d == Float16
}

func ParseDType(s string) (DType, error) {
	switch strings.ToLower(s) {
	case "float32", "f32":
		return Float32, nil
	case "float16", "f16", "half":
		return Float16, nil
	case "int32", "i32":
		return Int32, nil
	}
	return 0, fmt.Errorf("unknown dtype %q", s)
}

// Tensor is a dense row-major host tensor. Exactly one of the backing
// slices is non-nil, selected by dtype.
type Tensor struct {
	shape []int
	dtype DType

	f32 []float32
	f16 []float16.Num
	i32 []int32
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// MaxElements bounds every dimension and the element count of a tensor.
const MaxElements = math.MaxInt32

func checkShape(shape []int) error {
	n := uint64(1)
	for i, d := range shape {
		if d < 0 {
			return fmt.Errorf("negative dimension %d at axis %d", d, i)
		}
		if d > MaxElements {
			return fmt.Errorf("dimension %d at axis %d exceeds %d", d, i, MaxElements)
		}
		hi, lo := bits.Mul64(n, uint64(d))
		if hi != 0 || lo > MaxElements {
			return fmt.Errorf("shape %v exceeds %d elements", shape, MaxElements)
		}
		n = lo
	}
	return nil
}

// New allocates a zero-filled tensor.
func New(dtype DType, shape ...int) *Tensor {
	if err := checkShape(shape); err != nil {
		panic(err)
	}
	t := &Tensor{shape: append([]int(nil), shape...), dtype: dtype}
	n := numel(shape)
	switch dtype {
	case Float32:
		t.f32 = make([]float32, n)
	case Float16:
		t.f16 = make([]float16.Num, n)
	case Int32:
		t.i32 = make([]int32, n)
	default:
		panic(fmt.Sprintf("tensor: unsupported dtype %v", dtype))
	}
	return t
}

// FromFloat32 wraps data without copying.
func FromFloat32(data []float32, shape ...int) (*Tensor, error) {
	if err := checkShape(shape); err != nil {
		return nil, err
	}
	if len(data) != numel(shape) {
		return nil, fmt.Errorf("float32 data length %d does not match shape %v", len(data), shape)
	}
	return &Tensor{shape: append([]int(nil), shape...), dtype: Float32, f32: data}, nil
}

// FromFloat16 wraps data without copying.
func FromFloat16(data []float16.Num, shape ...int) (*Tensor, error) {
	if err := checkShape(shape); err != nil {
		return nil, err
	}
	if len(data) != numel(shape) {
		return nil, fmt.Errorf("float16 data length %d does not match shape %v", len(data), shape)
	}
	return &Tensor{shape: append([]int(nil), shape...), dtype: Float16, f16: data}, nil
}

// FromInt32 wraps data without copying.
func FromInt32(data []int32, shape ...int) (*Tensor, error) {
	if err := checkShape(shape); err != nil {
		return nil, err
	}
	if len(data) != numel(shape) {
		return nil, fmt.Errorf("int32 data length %d does not match shape %v", len(data), shape)
	}
	return &Tensor{shape: append([]int(nil), shape...), dtype: Int32, i32: data}, nil
}

// MustFloat32 is FromFloat32 for literals in tests and generators.
func MustFloat32(data []float32, shape ...int) *Tensor {
	t, err := FromFloat32(data, shape...)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Tensor) DType() DType { return t.dtype }

// Shape returns a copy of the dimensions.
func (t *Tensor) Shape() []int { return append([]int(nil), t.shape...) }

func (t *Tensor) Rank() int { return len(t.shape) }

func (t *Tensor) Dim(i int) int { return t.shape[i] }

func (t *Tensor) Len() int { return numel(t.shape) }

func (t *Tensor) Float32s() []float32     { return t.f32 }
func (t *Tensor) Float16s() []float16.Num { return t.f16 }
func (t *Tensor) Int32s() []int32         { return t.i32 }

// At returns element i of the flattened tensor as float32.
func (t *Tensor) At(i int) float32 {
	switch t.dtype {
	case Float16:
		return t.f16[i].Float32()
	case Int32:
		return float32(t.i32[i])
	default:
		return t.f32[i]
	}
}

// Set stores v at flattened index i, demoting to the tensor dtype.
func (t *Tensor) Set(i int, v float32) {
	switch t.dtype {
	case Float16:
		t.f16[i] = float16.New(v)
	case Int32:
		t.i32[i] = int32(v)
	default:
		t.f32[i] = v
	}
}

// ReadFloat32 promotes len(dst) elements starting at off into dst.
func (t *Tensor) ReadFloat32(off int, dst []float32) {
	switch t.dtype {
	case Float32:
		copy(dst, t.f32[off:off+len(dst)])
	case Float16:
		src := t.f16[off : off+len(dst)]
		for i, h := range src {
			dst[i] = h.Float32()
		}
	case Int32:
		src := t.i32[off : off+len(dst)]
		for i, v := range src {
			dst[i] = float32(v)
		}
	}
}

// WriteFloat32 demotes src into the tensor starting at off.
func (t *Tensor) WriteFloat32(off int, src []float32) {
	switch t.dtype {
	case Float32:
		copy(t.f32[off:off+len(src)], src)
	case Float16:
		dst := t.f16[off : off+len(src)]
		for i, v := range src {
			dst[i] = float16.New(v)
		}
	case Int32:
		dst := t.i32[off : off+len(src)]
		for i, v := range src {
			dst[i] = int32(v)
		}
	}
}

// ToFloat32 returns a promoted copy of the whole tensor.
func (t *Tensor) ToFloat32() []float32 {
	out := make([]float32, t.Len())
	t.ReadFloat32(0, out)
	return out
}

// SameShape reports whether a and b have identical dimensions.
func SameShape(a, b *Tensor) bool {
	if a.Rank() != b.Rank() {
		return false
	}
	for i := range a.shape {
		if a.shape[i] != b.shape[i] {
			return false
		}
	}
	return true
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%v, %v)", t.dtype, t.shape)
}
