package httpjson

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/amirimatin/go-multipaxos/pkg/paxos"
	"github.com/amirimatin/go-multipaxos/pkg/transport"
)

// Client is a thin HTTP client for peers and tooling. It supports optional
// TLS configuration and simple retry with backoff for the idempotent calls.
type Client struct {
	httpc     *http.Client
	transport *http.Transport
	isTLS     bool
}

// NewClient constructs a new Client with the given timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	tr := &http.Transport{MaxIdleConnsPerHost: 64}
	return &Client{httpc: &http.Client{Timeout: timeout, Transport: tr}, transport: tr}
}

// UseTLS sets the TLS config for the underlying HTTP client and switches the
// request scheme to https.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
	if c.transport != nil {
		c.transport.TLSClientConfig = cfg
	}
	c.isTLS = cfg != nil
	return c
}

func (c *Client) url(addr, path string) string {
	scheme := "http"
	if c.isTLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s%s", scheme, addr, path)
}

// Deliver posts env once. Protocol actors retransmit on their own, so a
// failed delivery is reported rather than retried.
func (c *Client) Deliver(ctx context.Context, addr string, env paxos.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(addr, "/deliver"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", transport.ErrUnreachable, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", transport.ErrUnknownActor, env.Dst)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", transport.ErrBadEnvelope, bytes.TrimSpace(b))
	}
	return fmt.Errorf("deliver status %d: %s", resp.StatusCode, string(b))
}

// Submit posts req once. A request id is assigned when missing so that a
// caller retrying the returned id is de-duplicated.
func (c *Client) Submit(ctx context.Context, addr string, req transport.SubmitRequest) (transport.SubmitResponse, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	out := transport.SubmitResponse{RequestID: req.RequestID}
	body, err := json.Marshal(req)
	if err != nil {
		return out, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(addr, "/submit"), bytes.NewReader(body))
	if err != nil {
		return out, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return out, fmt.Errorf("%w: %v", transport.ErrUnreachable, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(b, &out)
	if resp.StatusCode != http.StatusOK {
		if out.Error != "" {
			return out, errors.New(out.Error)
		}
		return out, fmt.Errorf("submit status %d: %s", resp.StatusCode, string(b))
	}
	return out, nil
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
	return c.getWithRetry(ctx, c.url(addr, "/status"))
}

func (c *Client) GetLog(ctx context.Context, addr string, req transport.LogRequest) (transport.LogResponse, error) {
	var out transport.LogResponse
	q := url.Values{}
	q.Set("from", strconv.FormatUint(req.From, 10))
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	b, err := c.getWithRetry(ctx, c.url(addr, "/log?"+q.Encode()))
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, err
	}
	if out.Error != "" {
		return out, errors.New(out.Error)
	}
	return out, nil
}

func (c *Client) getWithRetry(ctx context.Context, u string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.httpc.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("%w: %v", transport.ErrUnreachable, err)
		} else {
			b, rerr := io.ReadAll(resp.Body)
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK && rerr == nil {
				return b, nil
			}
			if rerr != nil {
				lastErr = rerr
			} else {
				lastErr = fmt.Errorf("status %d: %s", resp.StatusCode, string(b))
			}
		}
		// backoff unless context is done
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
		}
	}
	return nil, lastErr
}

var _ transport.Client = (*Client)(nil)
