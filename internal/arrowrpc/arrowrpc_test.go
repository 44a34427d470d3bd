package arrowrpc

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/go-cmp/cmp"

	"github.com/23skdu/longbow-stipple/internal/logger"
	"github.com/23skdu/longbow-stipple/internal/tensor"
)

func mustTensor(t *testing.T, data []float64, shape ...int) *tensor.Tensor {
	t.Helper()
	x, err := tensor.FromData(data, shape...)
	if err != nil {
		t.Fatal(err)
	}
	return x
}

func TestCodecRoundTrip(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	m := NewMessage()
	m.Tensors[ColX] = mustTensor(t, []float64{0.5, -1, 2.25, 3, 0, -0.125, 8, 1.5}, 2, 2, 1, 2)
	m.Floats[ColT] = []float64{999, 0.25}
	m.Strings[ColPrompt] = []string{"a", "b c"}
	m.Bools[ColFlagged] = []bool{true, false}
	m.Ints[ColToken] = []int64{265, -1}

	rec, err := Encode(mem, m)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(rec)
	rec.Release()
	if err != nil {
		t.Fatal(err)
	}

	x := got.Tensors[ColX]
	if diff := cmp.Diff(m.Tensors[ColX].Shape, x.Shape); diff != "" {
		t.Errorf("shape (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(m.Tensors[ColX].Data, x.Data); diff != "" {
		t.Errorf("tensor data (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(m.Floats, got.Floats); diff != "" {
		t.Errorf("floats (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(m.Strings, got.Strings); diff != "" {
		t.Errorf("strings (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(m.Bools, got.Bools); diff != "" {
		t.Errorf("bools (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(m.Ints, got.Ints); diff != "" {
		t.Errorf("ints (-want +got):\n%s", diff)
	}
}

func TestEncodeRejects(t *testing.T) {
	mem := memory.NewGoAllocator()
	tests := []struct {
		name string
		msg  func() *Message
	}{
		{"empty", NewMessage},
		{"ragged", func() *Message {
			m := NewMessage()
			m.Tensors[ColX] = tensor.New(2, 3)
			m.Floats[ColT] = []float64{1}
			return m
		}},
		{"rank one", func() *Message {
			m := NewMessage()
			m.Tensors[ColX] = tensor.New(3)
			return m
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encode(mem, tt.msg())
			if !errors.Is(err, ErrBadMessage) {
				t.Errorf("Encode error = %v, want ErrBadMessage", err)
			}
		})
	}
}

type fakeBackend struct {
	lastT []float64
}

func (f *fakeBackend) PredictNoise(_ context.Context, x *tensor.Tensor, ts []float64, cond *tensor.Tensor) (*tensor.Tensor, error) {
	if cond.Batch() != x.Batch() {
		return nil, errors.New("batch mismatch")
	}
	f.lastT = ts
	return x.Clone().Scale(2), nil
}

func (f *fakeBackend) EncodeText(_ context.Context, prompts []string) (*tensor.Tensor, error) {
	out := tensor.New(len(prompts), 2, 3)
	for i, p := range prompts {
		for j := range out.Row(i) {
			out.Row(i)[j] = float64(len(p))
		}
	}
	return out, nil
}

func (f *fakeBackend) DecodeLatent(_ context.Context, z *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.New(z.Batch(), 3, 4, 4), nil
}

func (f *fakeBackend) CheckSafety(_ context.Context, images *tensor.Tensor) (*tensor.Tensor, []bool, error) {
	flagged := make([]bool, images.Batch())
	flagged[len(flagged)-1] = true
	return images, flagged, nil
}

func (f *fakeBackend) EchoToken(_ context.Context, token int64) (int64, error) {
	return token, nil
}

func startServer(t *testing.T, b Backend) *Client {
	t.Helper()
	srv, err := Listen("localhost:0", b, logger.New(&bytes.Buffer{}, "error"))
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Serve() }()
	t.Cleanup(srv.Shutdown)

	c, err := Dial(srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestFlightExchange(t *testing.T) {
	fake := &fakeBackend{}
	c := startServer(t, fake)
	ctx := context.Background()

	x := mustTensor(t, []float64{1, 2, 3, 4, 5, 6, 7, 8}, 2, 2, 2, 1)
	cond := tensor.New(2, 2, 3)
	eps, err := c.PredictNoise(ctx, x, []float64{500.5, 12}, cond)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float64{2, 4, 6, 8, 10, 12, 14, 16}, eps.Data); diff != "" {
		t.Errorf("eps (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{2, 2, 2, 1}, eps.Shape); diff != "" {
		t.Errorf("eps shape (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float64{500.5, 12}, fake.lastT); diff != "" {
		t.Errorf("timesteps (-want +got):\n%s", diff)
	}

	emb, err := c.EncodeText(ctx, []string{"", "abc"})
	if err != nil {
		t.Fatal(err)
	}
	if emb.Row(1)[0] != 3 || emb.Row(0)[5] != 0 {
		t.Errorf("embedding rows = %v", emb.Data)
	}

	px, err := c.DecodeLatent(ctx, tensor.New(3, 4, 1, 1))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{3, 3, 4, 4}, px.Shape); diff != "" {
		t.Errorf("pixels shape (-want +got):\n%s", diff)
	}

	_, flagged, err := c.CheckSafety(ctx, px)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]bool{false, false, true}, flagged); diff != "" {
		t.Errorf("flagged (-want +got):\n%s", diff)
	}

	tok, err := c.EchoToken(ctx, 265)
	if err != nil || tok != 265 {
		t.Errorf("EchoToken = %d, %v", tok, err)
	}
}

func TestFlightErrors(t *testing.T) {
	c := startServer(t, &fakeBackend{})
	ctx := context.Background()

	req := NewMessage()
	req.Ints[ColToken] = []int64{1}
	if _, err := c.Call(ctx, "bogus", req); err == nil || !strings.Contains(err.Error(), "Unimplemented") {
		t.Errorf("unknown method error = %v", err)
	}

	bad := NewMessage()
	bad.Floats[ColT] = []float64{1}
	if _, err := c.Call(ctx, MethodPredictNoise, bad); err == nil || !strings.Contains(err.Error(), "InvalidArgument") {
		t.Errorf("missing column error = %v", err)
	}

	x := tensor.New(2, 1, 1, 1)
	if _, err := c.PredictNoise(ctx, x, []float64{1, 2}, tensor.New(1, 2, 3)); err == nil {
		t.Error("expected ragged request to fail")
	}
}

func TestDialRejectsEmptyAddress(t *testing.T) {
	if _, err := Dial(""); err == nil {
		t.Error("expected error for empty address")
	}
}
