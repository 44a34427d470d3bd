package arrowrpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-stipple/internal/metrics"
	"github.com/23skdu/longbow-stipple/internal/tensor"
)

// MaxMessageBytes bounds a single exchanged record; decoded 512x512 batches
// exceed the gRPC default of 4 MiB.
const MaxMessageBytes = 256 << 20

// DefaultTimeout applies to each call when the context has no deadline.
const DefaultTimeout = 2 * time.Minute

// Client is a model-service client. It implements the noise predictor,
// text encoder, decoder and safety checker over one connection.
type Client struct {
	addr    string
	client  flight.Client
	mem     memory.Allocator
	timeout time.Duration
}

// Dial connects lazily to a Flight model service at addr (host:port).
func Dial(addr string) (*Client, error) {
	if addr == "" {
		return nil, errors.New("model server address is empty")
	}
	c, err := flight.NewClientWithMiddleware(addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(MaxMessageBytes),
			grpc.MaxCallSendMsgSize(MaxMessageBytes),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Flight client for %s: %w", addr, err)
	}
	return &Client{
		addr:    addr,
		client:  c,
		mem:     memory.NewGoAllocator(),
		timeout: DefaultTimeout,
	}, nil
}

func (c *Client) Addr() string { return c.addr }

// Close disconnects from the Flight server
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// Call performs one exchange for method.
func (c *Client) Call(ctx context.Context, method string, req *Message) (*Message, error) {
	start := time.Now()
	resp, err := c.exchange(ctx, method, req)
	metrics.RecordRemoteCall(method, time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", c.addr, method, err)
	}
	return resp, nil
}

func (c *Client) exchange(ctx context.Context, method string, req *Message) (*Message, error) {
	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	rec, err := Encode(c.mem, req)
	if err != nil {
		return nil, err
	}
	defer rec.Release()

	stream, err := c.client.DoExchange(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open exchange: %w", err)
	}

	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(c.mem))
	w.SetFlightDescriptor(&flight.FlightDescriptor{Type: flight.DescriptorCMD, Cmd: []byte(method)})
	if err := w.Write(rec); err != nil {
		return nil, fmt.Errorf("failed to write request: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close request writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("failed to close send side: %w", err)
	}

	r, err := flight.NewRecordReader(stream, ipc.WithAllocator(c.mem))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	defer r.Release()

	if !r.Next() {
		if err := r.Err(); err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		return nil, fmt.Errorf("%w: empty response", ErrBadMessage)
	}
	return Decode(r.Record())
}

// PredictNoise asks the service for the eps prediction at fractional
// timesteps ts.
func (c *Client) PredictNoise(ctx context.Context, x *tensor.Tensor, ts []float64, cond *tensor.Tensor) (*tensor.Tensor, error) {
	req := NewMessage()
	req.Tensors[ColX] = x
	req.Tensors[ColCond] = cond
	req.Floats[ColT] = ts
	resp, err := c.Call(ctx, MethodPredictNoise, req)
	if err != nil {
		return nil, err
	}
	return resp.Tensor(ColEps)
}

func (c *Client) EncodeText(ctx context.Context, prompts []string) (*tensor.Tensor, error) {
	req := NewMessage()
	req.Strings[ColPrompt] = prompts
	resp, err := c.Call(ctx, MethodEncodeText, req)
	if err != nil {
		return nil, err
	}
	return resp.Tensor(ColEmbedding)
}

func (c *Client) DecodeLatent(ctx context.Context, z *tensor.Tensor) (*tensor.Tensor, error) {
	req := NewMessage()
	req.Tensors[ColLatent] = z
	resp, err := c.Call(ctx, MethodDecodeLatent, req)
	if err != nil {
		return nil, err
	}
	return resp.Tensor(ColPixels)
}

func (c *Client) CheckSafety(ctx context.Context, images *tensor.Tensor) (*tensor.Tensor, []bool, error) {
	req := NewMessage()
	req.Tensors[ColPixels] = images
	resp, err := c.Call(ctx, MethodCheckSafety, req)
	if err != nil {
		return nil, nil, err
	}
	out, err := resp.Tensor(ColPixels)
	if err != nil {
		return nil, nil, err
	}
	flagged, ok := resp.Bools[ColFlagged]
	if !ok {
		return nil, nil, fmt.Errorf("%w: missing %s column", ErrBadMessage, ColFlagged)
	}
	return out, flagged, nil
}

// EchoToken sends a token id to the accelerator and back.
func (c *Client) EchoToken(ctx context.Context, token int64) (int64, error) {
	req := NewMessage()
	req.Ints[ColToken] = []int64{token}
	resp, err := c.Call(ctx, MethodEchoToken, req)
	if err != nil {
		return 0, err
	}
	got := resp.Ints[ColToken]
	if len(got) != 1 {
		return 0, fmt.Errorf("%w: expected one token, got %d", ErrBadMessage, len(got))
	}
	return got[0], nil
}
