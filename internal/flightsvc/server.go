// Package flightsvc serves paged attention over Arrow Flight. A client
// opens a DoExchange stream with the command descriptor "paged_attention",
// sends one tensor frame of inputs and receives one frame holding "out".
package flightsvc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-pagedattn/internal/logger"
	"github.com/23skdu/longbow-pagedattn/internal/metrics"
	"github.com/23skdu/longbow-pagedattn/internal/paged"
	"github.com/23skdu/longbow-pagedattn/internal/tensorio"
)

// CommandPagedAttention is the descriptor command of an attention exchange.
const CommandPagedAttention = "paged_attention"

// Result summarizes one served request.
type Result struct {
	RequestID string
	Batch     int
	Duration  time.Duration
	Err       error
}

// Observer is told about every completed request.
type Observer func(Result)

// Service implements the Flight exchange. Options are fixed per service.
type Service struct {
	flight.BaseFlightServer

	opts     paged.Options
	sem      *semaphore.Weighted
	observer Observer
}

func NewService(opts paged.Options, maxConcurrent int, observer Observer) *Service {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Service{
		opts:     opts,
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
		observer: observer,
	}
}

// DoExchange reads one input frame, runs the kernel and replies with the
// output frame. The request id is carried as app metadata of the reply.
func (s *Service) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	ctx := stream.Context()
	start := time.Now()
	id := uuid.NewString()
	log := logger.Log.With("request_id", id)

	rdr, err := flight.NewRecordReader(stream, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return s.finish(log, id, 0, start, status.Errorf(codes.InvalidArgument, "open exchange: %v", err))
	}
	defer rdr.Release()

	desc := rdr.LatestFlightDescriptor()
	if desc == nil || desc.Type != flight.DescriptorCMD || string(desc.Cmd) != CommandPagedAttention {
		return s.finish(log, id, 0, start, status.Error(codes.InvalidArgument, "expected command descriptor "+CommandPagedAttention))
	}

	// one frame per request; an empty exchange fails validation below
	frame := tensorio.NewFrame()
	if rdr.Next() {
		frame, err = tensorio.FromRecord(rdr.Record())
		if err != nil {
			return s.finish(log, id, 0, start, status.Errorf(codes.InvalidArgument, "decode frame: %v", err))
		}
	}
	if err := rdr.Err(); err != nil && !errors.Is(err, io.EOF) {
		return s.finish(log, id, 0, start, status.Errorf(codes.InvalidArgument, "read frame: %v", err))
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return s.finish(log, id, 0, start, status.FromContextError(err).Err())
	}
	metrics.FlightInFlight.Inc()
	in := frame.Inputs()
	if err := paged.ValidatePageIndices(in); err != nil {
		metrics.FlightInFlight.Dec()
		s.sem.Release(1)
		return s.finish(log, id, 0, start, statusOf(err))
	}
	out, err := paged.Attention(ctx, in, s.opts)
	metrics.FlightInFlight.Dec()
	s.sem.Release(1)
	if err != nil {
		return s.finish(log, id, 0, start, statusOf(err))
	}

	reply := tensorio.NewFrame().Add(tensorio.NameOut, out)
	mem := memory.NewGoAllocator()
	rec := reply.Record(mem)
	defer rec.Release()

	w := flight.NewRecordWriter(stream, ipc.WithSchema(tensorio.Schema), ipc.WithAllocator(mem))
	defer w.Close()
	if err := w.WriteWithAppMetadata(rec, []byte(id)); err != nil {
		return s.finish(log, id, 0, start, status.Errorf(codes.Internal, "write reply: %v", err))
	}
	return s.finish(log, id, out.Dim(0), start, nil)
}

func (s *Service) finish(log *logger.Logger, id string, batch int, start time.Time, err error) error {
	elapsed := time.Since(start)
	label := "ok"
	if err != nil {
		label = status.Code(err).String()
		log.Warn("paged attention request failed", "error", err, "duration", elapsed)
	} else {
		log.Info("paged attention request served", "batch", batch, "duration", elapsed)
	}
	metrics.RecordFlightRequest(label, elapsed)
	if s.observer != nil {
		s.observer(Result{RequestID: id, Batch: batch, Duration: elapsed, Err: err})
	}
	return err
}

// statusOf maps configuration errors to InvalidArgument, cancellation to
// its context code and everything else to Internal.
func statusOf(err error) error {
	switch {
	case errors.Is(err, paged.ErrConfiguration):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	}
	return status.Error(codes.Internal, err.Error())
}

// Server owns the gRPC listener of a Service.
type Server struct {
	srv flight.Server
}

// Listen binds addr and registers svc. Use Serve to start handling.
func Listen(addr string, svc *Service, opts ...grpc.ServerOption) (*Server, error) {
	srv := flight.NewServerWithMiddleware(nil, opts...)
	if err := srv.Init(addr); err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	srv.RegisterFlightService(svc)
	return &Server{srv: srv}, nil
}

// Addr is the bound address, useful with port 0.
func (s *Server) Addr() string { return s.srv.Addr().String() }

// Serve blocks until Shutdown.
func (s *Server) Serve() error {
	logger.Log.Info("flight server listening", "addr", s.Addr())
	return s.srv.Serve()
}

func (s *Server) Shutdown() {
	s.srv.Shutdown()
}
