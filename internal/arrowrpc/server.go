package arrowrpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-stipple/internal/logger"
	"github.com/23skdu/longbow-stipple/internal/tensor"
)

// Backend is what a model service serves.
type Backend interface {
	PredictNoise(ctx context.Context, x *tensor.Tensor, ts []float64, cond *tensor.Tensor) (*tensor.Tensor, error)
	EncodeText(ctx context.Context, prompts []string) (*tensor.Tensor, error)
	DecodeLatent(ctx context.Context, z *tensor.Tensor) (*tensor.Tensor, error)
	CheckSafety(ctx context.Context, images *tensor.Tensor) (*tensor.Tensor, []bool, error)
	EchoToken(ctx context.Context, token int64) (int64, error)
}

// Service answers DoExchange calls from a Backend.
type Service struct {
	flight.BaseFlightServer
	backend Backend
	mem     memory.Allocator
	log     *logger.Logger
}

func NewService(b Backend, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Log
	}
	return &Service{backend: b, mem: memory.NewGoAllocator(), log: log}
}

// Listen binds a Flight server for b on addr. The caller runs Serve and
// Shutdown.
func Listen(addr string, b Backend, log *logger.Logger) (flight.Server, error) {
	srv := flight.NewServerWithMiddleware(nil,
		grpc.MaxRecvMsgSize(MaxMessageBytes),
		grpc.MaxSendMsgSize(MaxMessageBytes),
	)
	srv.RegisterFlightService(NewService(b, log))
	if err := srv.Init(addr); err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return srv, nil
}

func (s *Service) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	start := time.Now()
	r, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.mem))
	if err != nil {
		if errors.Is(err, io.EOF) {
			return status.Error(codes.InvalidArgument, "empty exchange")
		}
		return err
	}
	defer r.Release()

	desc := r.LatestFlightDescriptor()
	if desc == nil || desc.Type != flight.DescriptorCMD {
		return status.Error(codes.InvalidArgument, "exchange needs a command descriptor naming the method")
	}
	method := string(desc.Cmd)

	if !r.Next() {
		return status.Errorf(codes.InvalidArgument, "%s: no request record", method)
	}
	req, err := Decode(r.Record())
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "%s: %v", method, err)
	}

	resp, err := s.handle(stream.Context(), method, req)
	if err != nil {
		s.log.Warn("exchange failed", "method", method, "error", err.Error())
		if st, ok := status.FromError(err); ok {
			return st.Err()
		}
		return status.Errorf(codes.Internal, "%s: %v", method, err)
	}

	rec, err := Encode(s.mem, resp)
	if err != nil {
		return status.Errorf(codes.Internal, "%s: encode response: %v", method, err)
	}
	defer rec.Release()

	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(s.mem))
	if err := w.Write(rec); err != nil {
		return err
	}
	s.log.Debug("exchange served", "method", method, "rows", rec.NumRows(), "duration", time.Since(start).String())
	return w.Close()
}

func (s *Service) handle(ctx context.Context, method string, req *Message) (*Message, error) {
	resp := NewMessage()
	switch method {
	case MethodPredictNoise:
		x, err := req.Tensor(ColX)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		cond, err := req.Tensor(ColCond)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		eps, err := s.backend.PredictNoise(ctx, x, req.Floats[ColT], cond)
		if err != nil {
			return nil, err
		}
		resp.Tensors[ColEps] = eps
	case MethodEncodeText:
		prompts, ok := req.Strings[ColPrompt]
		if !ok {
			return nil, status.Errorf(codes.InvalidArgument, "missing %s column", ColPrompt)
		}
		emb, err := s.backend.EncodeText(ctx, prompts)
		if err != nil {
			return nil, err
		}
		resp.Tensors[ColEmbedding] = emb
	case MethodDecodeLatent:
		z, err := req.Tensor(ColLatent)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		px, err := s.backend.DecodeLatent(ctx, z)
		if err != nil {
			return nil, err
		}
		resp.Tensors[ColPixels] = px
	case MethodCheckSafety:
		px, err := req.Tensor(ColPixels)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		out, flagged, err := s.backend.CheckSafety(ctx, px)
		if err != nil {
			return nil, err
		}
		resp.Tensors[ColPixels] = out
		resp.Bools[ColFlagged] = flagged
	case MethodEchoToken:
		toks := req.Ints[ColToken]
		out := make([]int64, len(toks))
		for i, t := range toks {
			v, err := s.backend.EchoToken(ctx, t)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		resp.Ints[ColToken] = out
	default:
		return nil, status.Errorf(codes.Unimplemented, "unknown method %q", method)
	}
	return resp, nil
}
