package publish

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
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-decoding/internal/logger"
	"github.com/23skdu/longbow-decoding/internal/metrics"
)

// DefaultPath is the Flight descriptor path results are put under.
var DefaultPath = []string{"decoding", "results"}

// Publisher sends finished generations somewhere.
type Publisher interface {
	Publish(ctx context.Context, r Result) error
	Close() error
}

// FlightPublisher streams each result to a Flight server with DoPut.
type FlightPublisher struct {
	client  flight.Client
	addr    string
	path    []string
	mem     memory.Allocator
	timeout time.Duration
}

type Option func(*FlightPublisher)

func WithPath(path ...string) Option {
	return func(p *FlightPublisher) { p.path = path }
}

func WithAllocator(mem memory.Allocator) Option {
	return func(p *FlightPublisher) { p.mem = mem }
}

func WithTimeout(d time.Duration) Option {
	return func(p *FlightPublisher) { p.timeout = d }
}

// Dial creates a publisher for addr (host:port). The connection is made
// lazily by gRPC.
func Dial(addr string, opts ...Option) (*FlightPublisher, error) {
	p := &FlightPublisher{
		addr:    addr,
		path:    DefaultPath,
		mem:     memory.DefaultAllocator,
		timeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	client, err := flight.NewClientWithMiddleware(addr, nil, nil, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("create flight client for %s: %w", addr, err)
	}
	p.client = client
	return p, nil
}

func (p *FlightPublisher) Publish(ctx context.Context, r Result) error {
	start := time.Now()
	err := p.publish(ctx, r)
	metrics.RecordPublish(err == nil, time.Since(start))
	if err != nil {
		return fmt.Errorf("publish %s to %s: %w", r.Generation, p.addr, err)
	}
	logger.Log.Debug("Published generation", "generation", r.Generation, "addr", p.addr, "rows", r.Batch)
	return nil
}

func (p *FlightPublisher) publish(ctx context.Context, r Result) error {
	rec, err := BuildRecord(p.mem, r)
	if err != nil {
		return err
	}
	defer rec.Release()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	stream, err := p.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("open put stream: %w", err)
	}
	w := flight.NewRecordWriter(stream, ipc.WithSchema(Schema), ipc.WithAllocator(p.mem))
	w.SetFlightDescriptor(&flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: p.path})
	if err := w.Write(rec); err != nil {
		_ = w.Close()
		return fmt.Errorf("write record: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("close send: %w", err)
	}
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("put result: %w", err)
		}
	}
}

func (p *FlightPublisher) Close() error {
	return p.client.Close()
}
