package flightsvc

import (
	"context"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-pagedattn/internal/logger"
	"github.com/23skdu/longbow-pagedattn/internal/paged"
	"github.com/23skdu/longbow-pagedattn/internal/tensor"
	"github.com/23skdu/longbow-pagedattn/internal/tensorio"
)

// Client wraps a Flight connection to a paged attention Service.
type Client struct {
	client  flight.Client
	addr    string
	timeout time.Duration
}

// Dial connects to addr without transport security.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	client, err := flight.NewClientWithMiddleware(addr, nil, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Flight client: %w", err)
	}
	return &Client{client: client, addr: addr, timeout: 30 * time.Second}, nil
}

// SetTimeout bounds each Attention call. Zero disables the bound.
func (c *Client) SetTimeout(d time.Duration) { c.timeout = d }

// Close disconnects from the Flight server
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// Attention sends in to the server and returns the output tensor with the
// request id the server assigned. Server-side configuration errors come
// back as gRPC InvalidArgument statuses.
func (c *Client) Attention(ctx context.Context, in paged.Inputs) (*tensor.Tensor, string, error) {
	rec := tensorio.FromInputs(in).Record(memory.NewGoAllocator())
	defer rec.Release()

	frame, id, err := c.Exchange(ctx, rec)
	if err != nil {
		return nil, id, err
	}
	out := frame.Get(tensorio.NameOut)
	if out == nil {
		return nil, id, fmt.Errorf("reply %s has no %q tensor", id, tensorio.NameOut)
	}
	logger.Log.Debug("received attention output", "request_id", id, "shape", out.Shape())
	return out, id, nil
}

// Exchange sends one tensor frame record and decodes the reply frame.
func (c *Client) Exchange(ctx context.Context, rec arrow.Record) (*tensorio.Frame, string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	stream, err := c.client.DoExchange(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open exchange: %w", err)
	}

	mem := memory.NewGoAllocator()
	w := flight.NewRecordWriter(stream, ipc.WithSchema(tensorio.Schema), ipc.WithAllocator(mem))
	w.SetFlightDescriptor(&flight.FlightDescriptor{Type: flight.DescriptorCMD, Cmd: []byte(CommandPagedAttention)})
	if err := w.Write(rec); err != nil {
		w.Close()
		return nil, "", fmt.Errorf("failed to write inputs: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, "", fmt.Errorf("failed to close send: %w", err)
	}

	rdr, err := flight.NewRecordReader(stream, ipc.WithAllocator(mem))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read reply: %w", err)
	}
	defer rdr.Release()

	if !rdr.Next() {
		if err := rdr.Err(); err != nil {
			return nil, "", fmt.Errorf("failed to read reply: %w", err)
		}
		return nil, "", fmt.Errorf("empty reply from %s", c.addr)
	}
	id := string(rdr.LatestAppMetadata())
	frame, err := tensorio.FromRecord(rdr.Record())
	if err != nil {
		return nil, id, err
	}
	return frame, id, nil
}
