package pipeline

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"sync"

	"google.golang.org/grpc"
)

// GRPCPublisher streams progress events to subscribed control-plane
// clients over a hand-rolled gRPC service: the ServiceDesc/StreamDesc
// wiring is registered directly, with no .proto-generated stub. Payloads
// travel as JSON (see codec.go), so clients subscribe with
// grpc.CallContentSubtype("json"). Besides the progress stream, the
// service exposes a Cancel method that fires whatever cancel hook the
// driver registered via OnCancel — a remote equivalent of Ctrl-C.
type GRPCPublisher struct {
	mu          sync.Mutex
	subscribers map[chan Event]bool
	onCancel    func()
	logger      *log.Logger
}

// NewGRPCPublisher creates a publisher and registers it on server.
func NewGRPCPublisher(server *grpc.Server, logger *log.Logger) *GRPCPublisher {
	if logger == nil {
		logger = log.Default()
	}
	p := &GRPCPublisher{subscribers: make(map[chan Event]bool), logger: logger}
	registerProgressService(server, p)
	return p
}

// Serve starts a gRPC server bound to addr. The caller owns shutdown via
// the returned *grpc.Server.
func Serve(addr string, logger *log.Logger) (*grpc.Server, *GRPCPublisher, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("pipeline: grpc listen: %w", err)
	}
	server := grpc.NewServer()
	publisher := NewGRPCPublisher(server, logger)
	go func() {
		if err := server.Serve(lis); err != nil {
			publisher.logger.Printf("pipeline: grpc server error: %v", err)
		}
	}()
	return server, publisher, nil
}

// OnProgress implements Observer by fanning the event out to every
// currently-subscribed stream.
func (p *GRPCPublisher) OnProgress(e Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for ch := range p.subscribers {
		select {
		case ch <- e:
		default:
			// Slow subscriber: drop the event rather than block the
			// pipeline's hot path on a stalled client.
		}
	}
}

// OnCancel registers fn to run when a client calls the service's Cancel
// method. The driver points this at the same cancel token its signal
// handler closes, so a remote cancel stops every in-flight worker the
// same way Ctrl-C does.
func (p *GRPCPublisher) OnCancel(fn func()) {
	p.mu.Lock()
	p.onCancel = fn
	p.mu.Unlock()
}

func (p *GRPCPublisher) subscribe() chan Event {
	ch := make(chan Event, 64)
	p.mu.Lock()
	p.subscribers[ch] = true
	p.mu.Unlock()
	return ch
}

func (p *GRPCPublisher) unsubscribe(ch chan Event) {
	p.mu.Lock()
	delete(p.subscribers, ch)
	p.mu.Unlock()
	close(ch)
}

func registerProgressService(s *grpc.Server, p *GRPCPublisher) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: "pcapscrub.ProgressService",
		HandlerType: (*interface{})(nil),
		Methods: []grpc.MethodDesc{
			{
				MethodName: "Cancel",
				Handler:    p.cancelHandler,
			},
		},
		Streams: []grpc.StreamDesc{
			{
				StreamName:    "StreamProgress",
				Handler:       p.streamProgressHandler,
				ServerStreams: true,
			},
		},
		Metadata: "pcapscrub.proto",
	}, p)
}

func (p *GRPCPublisher) streamProgressHandler(srv interface{}, stream grpc.ServerStream) error {
	ch := p.subscribe()
	defer p.unsubscribe(ch)

	for e := range ch {
		if err := stream.SendMsg(&e); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
	return nil
}

// cancelAck is the Cancel method's reply: whether a cancel hook was
// installed and fired.
type cancelAck struct {
	Cancelled bool `json:"cancelled"`
}

func (p *GRPCPublisher) cancelHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	var req struct{}
	if err := dec(&req); err != nil {
		return nil, err
	}

	p.mu.Lock()
	fn := p.onCancel
	p.mu.Unlock()

	if fn == nil {
		return &cancelAck{Cancelled: false}, nil
	}
	p.logger.Printf("pipeline: cancel requested over grpc")
	fn()
	return &cancelAck{Cancelled: true}, nil
}
