package grpc

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/amirimatin/go-multipaxos/pkg/paxos"
	"github.com/amirimatin/go-multipaxos/pkg/transport"
)

type Client struct {
	timeout time.Duration
	tlsCfg  *tls.Config
	cm      *ConnManager
}

func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	c := &Client{timeout: timeout}
	// dialCtx reads tlsCfg at dial time, so UseTLS may still be called.
	c.cm = NewConnManager(30*time.Second, c.dialCtx)
	return c
}

// UseTLS sets TLS config for the client.
func (c *Client) UseTLS(cfg *tls.Config) *Client { c.tlsCfg = cfg; return c }

// Close drops all cached connections.
func (c *Client) Close() { c.cm.Close() }

func (c *Client) dialCtx(ctx context.Context, target string) (*grpc.ClientConn, error) {
	// Use JSON codec and set content subtype accordingly.
	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
		grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
		grpc.WithBlock(),
	}
	if c.tlsCfg != nil {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(c.tlsCfg)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	return grpc.DialContext(ctx, target, opts...)
}

func (c *Client) invoke(ctx context.Context, addr, method string, in, out interface{}) error {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	cc, rel, err := c.cm.Get(cctx, addr)
	if err != nil {
		return fmt.Errorf("%w: %v", transport.ErrUnreachable, err)
	}
	defer rel()
	return mapError(cc.Invoke(cctx, "/"+serviceName+"/"+method, in, out))
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.NotFound:
		return fmt.Errorf("%w: %s", transport.ErrUnknownActor, status.Convert(err).Message())
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", transport.ErrBadEnvelope, status.Convert(err).Message())
	case codes.Unavailable, codes.DeadlineExceeded:
		return fmt.Errorf("%w: %v", transport.ErrUnreachable, err)
	}
	return err
}

func (c *Client) Deliver(ctx context.Context, addr string, env paxos.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	raw := json.RawMessage(b)
	return c.invoke(ctx, addr, "Deliver", &raw, &empty{})
}

func (c *Client) Submit(ctx context.Context, addr string, req transport.SubmitRequest) (transport.SubmitResponse, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	resp := transport.SubmitResponse{RequestID: req.RequestID}
	if err := c.invoke(ctx, addr, "Submit", &req, &resp); err != nil {
		return resp, err
	}
	if resp.Error != "" {
		return resp, errors.New(resp.Error)
	}
	return resp, nil
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
	out := new(statusBlob)
	if err := c.invoke(ctx, addr, "Status", &empty{}, out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *Client) GetLog(ctx context.Context, addr string, req transport.LogRequest) (transport.LogResponse, error) {
	var resp transport.LogResponse
	if err := c.invoke(ctx, addr, "Log", &req, &resp); err != nil {
		return resp, err
	}
	if resp.Error != "" {
		return resp, errors.New(resp.Error)
	}
	return resp, nil
}

var _ transport.Client = (*Client)(nil)
