// Package tensorio encodes named tensors as Arrow record batches. One row
// per tensor carries its name, dtype, shape and flat data in the list
// column matching the dtype. Frames travel over Flight and are persisted
// as Arrow IPC streams.
package tensorio

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-pagedattn/internal/paged"
	"github.com/23skdu/longbow-pagedattn/internal/tensor"
)

// Row names of an attention request and its reply.
const (
	NameQ           = "q"
	NameKPages      = "k_pages"
	NameVPages      = "v_pages"
	NameLengths     = "lengths"
	NamePageIndices = "page_indices"
	NameOut         = "out"
)

const (
	colName = iota
	colDType
	colShape
	colF32
	colF16
	colI32
)

// Schema is the layout of every tensor frame.
var Schema = arrow.NewSchema([]arrow.Field{
	{Name: "name", Type: arrow.BinaryTypes.String},
	{Name: "dtype", Type: arrow.BinaryTypes.String},
	{Name: "shape", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64)},
	{Name: "f32", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32), Nullable: true},
	{Name: "f16", Type: arrow.ListOf(arrow.FixedWidthTypes.Float16), Nullable: true},
	{Name: "i32", Type: arrow.ListOf(arrow.PrimitiveTypes.Int32), Nullable: true},
}, nil)

// Frame is an ordered set of named tensors.
type Frame struct {
	names   []string
	tensors map[string]*tensor.Tensor
}

func NewFrame() *Frame {
	return &Frame{tensors: make(map[string]*tensor.Tensor)}
}

// Add stores t under name, replacing an earlier tensor of the same name.
func (f *Frame) Add(name string, t *tensor.Tensor) *Frame {
	if _, ok := f.tensors[name]; !ok {
		f.names = append(f.names, name)
	}
	f.tensors[name] = t
	return f
}

// Get returns the tensor stored under name, or nil.
func (f *Frame) Get(name string) *tensor.Tensor { return f.tensors[name] }

func (f *Frame) Names() []string { return append([]string(nil), f.names...) }

func (f *Frame) Len() int { return len(f.names) }

// FromInputs packs the five attention inputs.
func FromInputs(in paged.Inputs) *Frame {
	f := NewFrame()
	for _, row := range []struct {
		name string
		t    *tensor.Tensor
	}{
		{NameQ, in.Q},
		{NameKPages, in.KPages},
		{NameVPages, in.VPages},
		{NameLengths, in.Lengths},
		{NamePageIndices, in.PageIndices},
	} {
		if row.t != nil {
			f.Add(row.name, row.t)
		}
	}
	return f
}

// Inputs unpacks attention inputs. Absent rows are left nil and dtype
// mismatches are kept, so paged.Validate reports them as configuration
// errors.
func (f *Frame) Inputs() paged.Inputs {
	return paged.Inputs{
		Q:           f.Get(NameQ),
		KPages:      f.Get(NameKPages),
		VPages:      f.Get(NameVPages),
		Lengths:     f.Get(NameLengths),
		PageIndices: f.Get(NamePageIndices),
	}
}

// Record builds an Arrow record of the frame. The caller releases it.
func (f *Frame) Record(mem memory.Allocator) arrow.Record {
	b := array.NewRecordBuilder(mem, Schema)
	defer b.Release()

	names := b.Field(colName).(*array.StringBuilder)
	dtypes := b.Field(colDType).(*array.StringBuilder)
	shapes := b.Field(colShape).(*array.ListBuilder)
	f32 := b.Field(colF32).(*array.ListBuilder)
	f16 := b.Field(colF16).(*array.ListBuilder)
	i32 := b.Field(colI32).(*array.ListBuilder)

	for _, name := range f.names {
		t := f.tensors[name]
		names.Append(name)
		dtypes.Append(t.DType().String())

		shapes.Append(true)
		dims := shapes.ValueBuilder().(*array.Int64Builder)
		for _, d := range t.Shape() {
			dims.Append(int64(d))
		}

		appendList(f32, t.DType() == tensor.Float32, func() {
			f32.ValueBuilder().(*array.Float32Builder).AppendValues(t.Float32s(), nil)
		})
		appendList(f16, t.DType() == tensor.Float16, func() {
			f16.ValueBuilder().(*array.Float16Builder).AppendValues(t.Float16s(), nil)
		})
		appendList(i32, t.DType() == tensor.Int32, func() {
			i32.ValueBuilder().(*array.Int32Builder).AppendValues(t.Int32s(), nil)
		})
	}
	return b.NewRecord()
}

// FromRecord decodes every row of rec.
func FromRecord(rec arrow.Record) (*Frame, error) {
	if !rec.Schema().Equal(Schema) {
		return nil, fmt.Errorf("tensor frame schema mismatch: %s", rec.Schema())
	}
	names := rec.Column(colName).(*array.String)
	dtypes := rec.Column(colDType).(*array.String)
	shapes := rec.Column(colShape).(*array.List)
	f32 := rec.Column(colF32).(*array.List)
	f16 := rec.Column(colF16).(*array.List)
	i32 := rec.Column(colI32).(*array.List)

	dims := shapes.ListValues().(*array.Int64).Int64Values()
	f := NewFrame()
	for row := 0; row < int(rec.NumRows()); row++ {
		name := names.Value(row)
		dtype, err := tensor.ParseDType(dtypes.Value(row))
		if err != nil {
			return nil, fmt.Errorf("tensor %q: %w", name, err)
		}
		start, end := shapes.ValueOffsets(row)
		shape := make([]int, 0, end-start)
		for _, d := range dims[start:end] {
			shape = append(shape, int(d))
		}

		var t *tensor.Tensor
		switch dtype {
		case tensor.Float32:
			s, e := f32.ValueOffsets(row)
			data := f32.ListValues().(*array.Float32).Float32Values()[s:e]
			t, err = tensor.FromFloat32(append([]float32(nil), data...), shape...)
		case tensor.Float16:
			s, e := f16.ValueOffsets(row)
			data := f16.ListValues().(*array.Float16).Values()[s:e]
			t, err = tensor.FromFloat16(append(data[:0:0], data...), shape...)
		case tensor.Int32:
			s, e := i32.ValueOffsets(row)
			data := i32.ListValues().(*array.Int32).Int32Values()[s:e]
			t, err = tensor.FromInt32(append([]int32(nil), data...), shape...)
		}
		if err != nil {
			return nil, fmt.Errorf("tensor %q: %w", name, err)
		}
		f.Add(name, t)
	}
	return f, nil
}

// appendList appends a list filled by values when present, else a null.
func appendList(lb *array.ListBuilder, present bool, values func()) {
	if !present {
		lb.AppendNull()
		return
	}
	lb.Append(true)
	values()
}
