package grpc

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/amirimatin/go-multipaxos/pkg/observability/tracing"
	"github.com/amirimatin/go-multipaxos/pkg/paxos"
	"github.com/amirimatin/go-multipaxos/pkg/transport"
)

const serviceName = "paxos.v1.Transport"

// Server implements transport.Server over gRPC using a JSON codec.
type Server struct {
	bind   string
	tlsCfg *tls.Config

	mu  sync.Mutex
	lis net.Listener
	srv *grpc.Server
}

func NewServer(bind string) *Server { return &Server{bind: bind} }

// UseTLS enables TLS for the gRPC server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// internal request/response types used over gRPC JSON codec
type empty struct{}
type statusBlob struct {
	Data []byte `json:"data"`
}

// transportServer defines the methods we expose.
type transportServer interface {
	Deliver(ctx context.Context, in *json.RawMessage) (*empty, error)
	Submit(ctx context.Context, in *transport.SubmitRequest) (*transport.SubmitResponse, error)
	Status(ctx context.Context, in *empty) (*statusBlob, error)
	Log(ctx context.Context, in *transport.LogRequest) (*transport.LogResponse, error)
}

type transportImpl struct{ h transport.Handlers }

// Deliver decodes the envelope itself so that a malformed one is reported
// as InvalidArgument rather than a codec failure.
func (t *transportImpl) Deliver(ctx context.Context, in *json.RawMessage) (*empty, error) {
	var env paxos.Envelope
	if in == nil {
		return nil, status.Error(codes.InvalidArgument, "bad request: empty envelope")
	}
	if err := json.Unmarshal(*in, &env); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "bad request: %v", err)
	}
	if err := t.h.Deliver(ctx, env); err != nil {
		if errors.Is(err, transport.ErrUnknownActor) {
			return nil, status.Error(codes.NotFound, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &empty{}, nil
}

func (t *transportImpl) Submit(ctx context.Context, in *transport.SubmitRequest) (*transport.SubmitResponse, error) {
	if in == nil || in.Op == "" {
		return nil, status.Error(codes.InvalidArgument, "bad request: empty op")
	}
	if t.h.Submit == nil {
		return nil, status.Error(codes.Unimplemented, "submit not supported")
	}
	ctx, end := tracing.StartSpan(ctx, "grpc.submit")
	defer end()
	out, err := t.h.Submit(ctx, *in)
	if err != nil && out.Error == "" {
		out.Error = err.Error()
	}
	return &out, nil
}

func (t *transportImpl) Status(ctx context.Context, _ *empty) (*statusBlob, error) {
	if t.h.Status == nil {
		return nil, status.Error(codes.Unimplemented, "status not supported")
	}
	ctx, end := tracing.StartSpan(ctx, "grpc.status")
	defer end()
	b, err := t.h.Status(ctx)
	if err != nil {
		return nil, err
	}
	return &statusBlob{Data: b}, nil
}

func (t *transportImpl) Log(ctx context.Context, in *transport.LogRequest) (*transport.LogResponse, error) {
	if in == nil {
		in = &transport.LogRequest{}
	}
	if t.h.Log == nil {
		return nil, status.Error(codes.Unimplemented, "log not supported")
	}
	out, err := t.h.Log(ctx, *in)
	if err != nil && out.Error == "" {
		out.Error = err.Error()
	}
	return &out, nil
}

// Service descriptor and handlers (hand-written, no codegen required)
var _Transport_serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*transportServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: _Transport_Deliver_Handler},
		{MethodName: "Submit", Handler: _Transport_Submit_Handler},
		{MethodName: "Status", Handler: _Transport_Status_Handler},
		{MethodName: "Log", Handler: _Transport_Log_Handler},
	},
}

func _Transport_Deliver_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(json.RawMessage)
	if err := dec(in); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "bad request: %v", err)
	}
	if interceptor == nil {
		return srv.(transportServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Deliver"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(transportServer).Deliver(ctx, req.(*json.RawMessage))
	}
	return interceptor(ctx, in, info, handler)
}

func _Transport_Submit_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(transport.SubmitRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(transportServer).Submit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Submit"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(transportServer).Submit(ctx, req.(*transport.SubmitRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Transport_Status_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(transportServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Status"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(transportServer).Status(ctx, req.(*empty))
	}
	return interceptor(ctx, in, info, handler)
}

func _Transport_Log_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(transport.LogRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(transportServer).Log(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Log"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(transportServer).Log(ctx, req.(*transport.LogRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func (s *Server) Start(ctx context.Context, h transport.Handlers) error {
	if h.Deliver == nil {
		return errors.New("grpc: deliver handler is required")
	}
	lis, err := net.Listen("tcp", s.bind)
	if err != nil {
		return err
	}
	// Force JSON codec to avoid requiring protobuf types
	var opts []grpc.ServerOption
	opts = append(opts, grpc.ForceServerCodec(jsonCodec{}))
	opts = append(opts, grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}))
	opts = append(opts, grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}))
	if s.tlsCfg != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(s.tlsCfg)))
	}
	srv := grpc.NewServer(opts...)
	healthSrv := health.NewServer()
	healthSrv.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, healthSrv)
	srv.RegisterService(&_Transport_serviceDesc, &transportImpl{h: h})

	s.mu.Lock()
	s.lis, s.srv = lis, srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(c)
	}()
	go func() { _ = srv.Serve(lis) }()
	return nil
}

// Addr returns the listener address once started, else the bind address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis != nil {
		return s.lis.Addr().String()
	}
	return s.bind
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	ch := make(chan struct{})
	go func() { srv.GracefulStop(); close(ch) }()
	select {
	case <-ch:
	case <-ctx.Done():
		srv.Stop()
	}
	return nil
}

var _ transport.Server = (*Server)(nil)
