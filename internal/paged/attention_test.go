package paged

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/23skdu/longbow-pagedattn/internal/tensor"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

func mustProblem(t *testing.T, spec ProblemSpec, seed int64) Inputs {
	t.Helper()
	in, err := GenerateProblem(spec, rand.New(rand.NewSource(seed)))
	if err != nil {
		t.Fatalf("GenerateProblem: %v", err)
	}
	return in
}

func assertClose(t *testing.T, got, want []float32, tol float64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length %d, want %d", len(got), len(want))
	}
	for i := range want {
		if diff := math.Abs(float64(got[i] - want[i])); diff > tol || math.IsNaN(float64(got[i])) {
			t.Fatalf("element %d: got %v, want %v (diff %g)", i, got[i], want[i], diff)
		}
	}
}

func TestAttentionSingleSequence(t *testing.T) {
	// batch=1, one head, head_dim=4, page_size=2, four pages per sequence,
	// two pages per block, length 3: block 0 holds positions 0-3 with
	// position 3 masked; block 1 is beyond the length.
	q := tensor.MustFloat32([]float32{0.5, -1, 0.25, 2}, 1, 1, 4)
	k := tensor.New(tensor.Float32, 1, 6, 2, 4)
	v := tensor.New(tensor.Float32, 1, 6, 2, 4)
	for i := 0; i < k.Len(); i++ {
		k.Set(i, float32(math.Sin(float64(i))))
		v.Set(i, float32(math.Cos(float64(i)*0.7)))
	}
	pages := []int32{5, 2, 0, 3}
	in, err := NewInputs(q, k, v, []int32{3}, [][]int32{pages})
	if err != nil {
		t.Fatal(err)
	}

	// positions 0,1 live in page 5 and position 2 in page 2
	var scores []float64
	var vals [][]float64
	for pos := 0; pos < 3; pos++ {
		base := int(pages[pos/2])*8 + (pos%2)*4
		dot := 0.0
		row := make([]float64, 4)
		for d := 0; d < 4; d++ {
			dot += float64(q.At(d)) * float64(k.At(base+d))
			row[d] = float64(v.At(base + d))
		}
		scores = append(scores, dot)
		vals = append(vals, row)
	}
	dense := denseAttention(scores, vals)
	want := make([]float32, 4)
	for d := range want {
		want[d] = float32(dense[d])
	}

	for _, inline := range []bool{true, false} {
		out, err := Attention(testContext(t), in, Options{PagesPerComputeBlock: 2, InlineSeqDim: inline})
		if err != nil {
			t.Fatalf("inline=%v: %v", inline, err)
		}
		assertClose(t, out.Float32s(), want, 1e-5)
	}
}

func TestAttentionZeroLengthSequence(t *testing.T) {
	in := mustProblem(t, ProblemSpec{
		Batch: 2, QueryHeads: 2, KVHeads: 1, HeadDim: 4,
		PageSize: 2, PagesPerSequence: 4, Lengths: []int32{0, 5},
	}, 21)
	rec := newRecordTrace()
	out, err := Attention(testContext(t), in, Options{PagesPerComputeBlock: 2, InlineSeqDim: true, Tracer: rec.trace})
	if err != nil {
		t.Fatal(err)
	}
	for _, ev := range rec.events[0] {
		if ev.Coord.Batch == 0 {
			t.Fatalf("copy issued for empty sequence: %v %+v", ev.Kind, ev.Coord)
		}
	}
	res := out.Float32s()
	for i := 0; i < 2*4; i++ {
		if res[i] != 0 {
			t.Fatalf("row of empty sequence holds %v at %d", res[i], i)
		}
	}
	want, err := Reference(in, 2)
	if err != nil {
		t.Fatal(err)
	}
	assertClose(t, res, want.Float32s(), 1e-5)
}

func TestAttentionMatchesReference(t *testing.T) {
	tests := []struct {
		name string
		spec ProblemSpec
		ppcb int
	}{
		{"mha", ProblemSpec{Batch: 3, QueryHeads: 2, KVHeads: 2, HeadDim: 8, PageSize: 4, PagesPerSequence: 6}, 3},
		{"gqa", ProblemSpec{Batch: 2, QueryHeads: 8, KVHeads: 2, HeadDim: 16, PageSize: 2, PagesPerSequence: 8}, 2},
		{"mqa", ProblemSpec{Batch: 4, QueryHeads: 4, KVHeads: 1, HeadDim: 4, PageSize: 3, PagesPerSequence: 4}, 4},
		{"single page blocks", ProblemSpec{Batch: 2, QueryHeads: 1, KVHeads: 1, HeadDim: 2, PageSize: 1, PagesPerSequence: 7}, 1},
		{"shared arena", ProblemSpec{Batch: 4, QueryHeads: 2, KVHeads: 1, HeadDim: 4, PageSize: 2, PagesPerSequence: 4, TotalPages: 5}, 2},
		{"full lengths", ProblemSpec{Batch: 2, QueryHeads: 2, KVHeads: 1, HeadDim: 4, PageSize: 2, PagesPerSequence: 4, Lengths: []int32{8, 8}}, 2},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := mustProblem(t, tt.spec, int64(100+i))
			want, err := Reference(in, tt.ppcb)
			if err != nil {
				t.Fatal(err)
			}
			got, err := Attention(testContext(t), in, Options{PagesPerComputeBlock: tt.ppcb, InlineSeqDim: true})
			if err != nil {
				t.Fatal(err)
			}
			assertClose(t, got.Float32s(), want.Float32s(), 1e-5)
		})
	}
}

func TestAttentionModesAgree(t *testing.T) {
	in := mustProblem(t, ProblemSpec{
		Batch: 4, QueryHeads: 4, KVHeads: 2, HeadDim: 8,
		PageSize: 2, PagesPerSequence: 6, Lengths: []int32{7, 0, 12, 1},
	}, 42)
	base, err := Attention(testContext(t), in, Options{PagesPerComputeBlock: 3, InlineSeqDim: true})
	if err != nil {
		t.Fatal(err)
	}

	variants := []Options{
		{PagesPerComputeBlock: 3, Megacore: MegacoreBatch, InlineSeqDim: true},
		{PagesPerComputeBlock: 3, Megacore: MegacoreKVHead, InlineSeqDim: true},
		{PagesPerComputeBlock: 3, InlineSeqDim: false},
		{PagesPerComputeBlock: 3, Megacore: MegacoreBatch, InlineSeqDim: false},
		{PagesPerComputeBlock: 3, InlineSeqDim: true, ChainCells: true},
		{PagesPerComputeBlock: 3, Megacore: MegacoreKVHead, InlineSeqDim: false, ChainCells: true},
	}
	for _, opts := range variants {
		got, err := Attention(testContext(t), in, opts)
		if err != nil {
			t.Fatalf("%+v: %v", opts, err)
		}
		// every variant folds the same blocks in the same order per cell
		for i, v := range got.Float32s() {
			if v != base.Float32s()[i] {
				t.Fatalf("megacore=%v inline=%v chain=%v: element %d = %v, want %v",
					opts.Megacore, opts.InlineSeqDim, opts.ChainCells, i, v, base.Float32s()[i])
			}
		}
	}
}

func TestAttentionMegacoreSplitsWork(t *testing.T) {
	in := mustProblem(t, ProblemSpec{
		Batch: 4, QueryHeads: 2, KVHeads: 2, HeadDim: 2,
		PageSize: 1, PagesPerSequence: 2, Lengths: []int32{2, 2, 2, 2},
	}, 8)
	rec := newRecordTrace()
	if _, err := Attention(testContext(t), in, Options{PagesPerComputeBlock: 1, Megacore: MegacoreBatch, InlineSeqDim: true, Tracer: rec.trace}); err != nil {
		t.Fatal(err)
	}
	for core := 0; core < 2; core++ {
		waits := rec.waits(core)
		if len(waits) != 8 {
			t.Errorf("core %d waited %d blocks, want 8", core, len(waits))
		}
		for _, ev := range waits {
			if ev.Coord.Batch%2 != core {
				t.Errorf("core %d processed batch %d", core, ev.Coord.Batch)
			}
		}
	}
}

func TestAttentionFloat16(t *testing.T) {
	in := mustProblem(t, ProblemSpec{
		Batch: 2, QueryHeads: 4, KVHeads: 2, HeadDim: 8,
		PageSize: 2, PagesPerSequence: 4, DType: tensor.Float16,
	}, 77)
	got, err := Attention(testContext(t), in, Options{PagesPerComputeBlock: 2, InlineSeqDim: true})
	if err != nil {
		t.Fatal(err)
	}
	if got.DType() != tensor.Float16 {
		t.Errorf("output dtype %v, want float16", got.DType())
	}
	want, err := Reference(in, 2)
	if err != nil {
		t.Fatal(err)
	}
	// output is rounded to half precision
	assertClose(t, got.ToFloat32(), want.Float32s(), 2e-3)
}

func TestAttentionConfigErrors(t *testing.T) {
	good := func() Inputs {
		return mustProblem(t, ProblemSpec{
			Batch: 2, QueryHeads: 4, KVHeads: 2, HeadDim: 4,
			PageSize: 2, PagesPerSequence: 4, Lengths: []int32{3, 5},
		}, 9)
	}
	opts := Options{PagesPerComputeBlock: 2, InlineSeqDim: true}

	tests := []struct {
		name   string
		mutate func(in *Inputs, o *Options)
		field  string
	}{
		{"heads not divisible", func(in *Inputs, o *Options) {
			in.Q = tensor.New(tensor.Float32, 2, 3, 4)
		}, "heads"},
		{"head dim mismatch", func(in *Inputs, o *Options) {
			in.Q = tensor.New(tensor.Float32, 2, 4, 8)
		}, "head_dim"},
		{"k and v shapes differ", func(in *Inputs, o *Options) {
			in.VPages = tensor.New(tensor.Float32, 2, 8, 2, 2)
		}, "v_pages"},
		{"pages per block does not divide", func(in *Inputs, o *Options) {
			o.PagesPerComputeBlock = 3
		}, "pages_per_compute_block"},
		{"pages per block zero", func(in *Inputs, o *Options) {
			o.PagesPerComputeBlock = 0
		}, "pages_per_compute_block"},
		{"lengths batch mismatch", func(in *Inputs, o *Options) {
			in.Lengths, _ = tensor.FromInt32([]int32{1, 2, 3}, 3)
		}, "lengths"},
		{"lengths not int32", func(in *Inputs, o *Options) {
			in.Lengths = tensor.MustFloat32([]float32{1, 2}, 2)
		}, "lengths"},
		{"length beyond capacity", func(in *Inputs, o *Options) {
			in.Lengths, _ = tensor.FromInt32([]int32{3, 9}, 2)
		}, "lengths"},
		{"negative length", func(in *Inputs, o *Options) {
			in.Lengths, _ = tensor.FromInt32([]int32{-1, 2}, 2)
		}, "lengths"},
		{"page indices batch mismatch", func(in *Inputs, o *Options) {
			in.PageIndices, _ = tensor.FromInt32(make([]int32, 12), 3, 4)
		}, "page_indices"},
		{"odd kv heads for kv_head split", func(in *Inputs, o *Options) {
			in.Q = tensor.New(tensor.Float32, 2, 3, 4)
			in.KPages = tensor.New(tensor.Float32, 3, 8, 2, 4)
			in.VPages = tensor.New(tensor.Float32, 3, 8, 2, 4)
			o.Megacore = MegacoreKVHead
		}, "megacore"},
		{"odd batch for batch split", func(in *Inputs, o *Options) {
			in.Q = tensor.New(tensor.Float32, 1, 4, 4)
			in.Lengths, _ = tensor.FromInt32([]int32{1}, 1)
			in.PageIndices, _ = tensor.FromInt32(make([]int32, 4), 1, 4)
			o.Megacore = MegacoreBatch
		}, "megacore"},
		{"unknown megacore mode", func(in *Inputs, o *Options) {
			o.Megacore = MegacoreMode("rows")
		}, "megacore"},
		{"integer queries", func(in *Inputs, o *Options) {
			in.Q = tensor.New(tensor.Int32, 2, 4, 4)
		}, "q"},
		{"missing values", func(in *Inputs, o *Options) {
			in.VPages = nil
		}, "v_pages"},
		{"query group exceeds scratch bound", func(in *Inputs, o *Options) {
			in.Q = tensor.New(tensor.Float32, 0, 1<<30, 4)
			in.Lengths, _ = tensor.FromInt32(nil, 0)
			in.PageIndices, _ = tensor.FromInt32(nil, 0, 4)
		}, "heads"},
		{"block exceeds scratch bound", func(in *Inputs, o *Options) {
			in.KPages = tensor.New(tensor.Float32, 2, 0, 1<<23, 4)
			in.VPages = tensor.New(tensor.Float32, 2, 0, 1<<23, 4)
		}, "pages_per_compute_block"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, o := good(), opts
			tt.mutate(&in, &o)
			out, err := Attention(testContext(t), in, o)
			if err == nil {
				t.Fatal("expected a configuration error")
			}
			if out != nil {
				t.Error("no output expected on configuration error")
			}
			if !errors.Is(err, ErrConfiguration) {
				t.Errorf("error %v does not match ErrConfiguration", err)
			}
			var ce *ConfigError
			if !errors.As(err, &ce) || ce.Field != tt.field {
				t.Errorf("error %v, want field %q", err, tt.field)
			}
		})
	}
}

func TestAttentionCanceledContext(t *testing.T) {
	in := mustProblem(t, ProblemSpec{
		Batch: 1, QueryHeads: 1, KVHeads: 1, HeadDim: 2, PageSize: 1, PagesPerSequence: 2,
	}, 4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Attention(ctx, in, Options{PagesPerComputeBlock: 1}); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestCustomMaskValue(t *testing.T) {
	in := mustProblem(t, ProblemSpec{
		Batch: 2, QueryHeads: 2, KVHeads: 2, HeadDim: 4,
		PageSize: 2, PagesPerSequence: 4, Lengths: []int32{3, 6},
	}, 12)
	want, err := Reference(in, 2)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Attention(testContext(t), in, Options{PagesPerComputeBlock: 2, MaskValue: float32(math.Inf(-1)), InlineSeqDim: true})
	if err != nil {
		t.Fatal(err)
	}
	assertClose(t, got.Float32s(), want.Float32s(), 1e-5)
}

func TestValidatePageIndices(t *testing.T) {
	in := mustProblem(t, ProblemSpec{
		Batch: 1, QueryHeads: 1, KVHeads: 1, HeadDim: 2, PageSize: 1, PagesPerSequence: 2,
	}, 3)
	if err := ValidatePageIndices(in); err != nil {
		t.Fatalf("generated indices rejected: %v", err)
	}
	in.PageIndices, _ = tensor.FromInt32([]int32{0, 2}, 1, 2)
	if err := ValidatePageIndices(in); !errors.Is(err, ErrConfiguration) {
		t.Errorf("out of range page id: err = %v", err)
	}
}

func TestParseMegacoreMode(t *testing.T) {
	tests := []struct {
		in      string
		want    MegacoreMode
		wantErr bool
	}{
		{"", MegacoreNone, false},
		{"none", MegacoreNone, false},
		{"batch", MegacoreBatch, false},
		{"KV_HEAD", MegacoreKVHead, false},
		{"heads", "", true},
	}
	for _, tt := range tests {
		got, err := ParseMegacoreMode(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseMegacoreMode(%q) err = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseMegacoreMode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
