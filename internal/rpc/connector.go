// ABOUTME: Connectors move raw JSON-RPC payloads to a remote dispatcher over gRPC or HTTP.
// ABOUTME: Any error a connector returns means the transport itself failed.

package rpc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/2389/gami/internal/auth"
)

// Transport names accepted by NewConnector.
const (
	TransportGRPC = "grpc"
	TransportHTTP = "http"
)

// Connector sends one request payload and returns the response payload.
// A nil response with a nil error means the remote sent no response (notification).
type Connector interface {
	Send(ctx context.Context, payload []byte) ([]byte, error)
	Close() error
}

// NewConnector builds a connector toward addr over the named transport.
// A non-empty token is sent as a bearer token on every call.
func NewConnector(transport, addr, token string) (Connector, error) {
	switch transport {
	case TransportGRPC:
		opts := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
		if token != "" {
			opts = append(opts, grpc.WithPerRPCCredentials(auth.PerRPCToken{Token: token, Insecure: true}))
		}
		return DialGRPC(addr, opts...)
	case TransportHTTP:
		return &HTTPConnector{URL: "http://" + addr + HTTPPath, Token: token}, nil
	}
	return nil, fmt.Errorf("unknown transport %q", transport)
}

// GRPCConnector talks to a remote gami.v1.Gami service.
type GRPCConnector struct {
	conn *grpc.ClientConn
}

// DialGRPC creates a lazily-connecting gRPC connector.
func DialGRPC(target string, opts ...grpc.DialOption) (*GRPCConnector, error) {
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating grpc client for %s: %w", target, err)
	}
	return &GRPCConnector{conn: conn}, nil
}

// NewGRPCConnector wraps an existing connection.
func NewGRPCConnector(conn *grpc.ClientConn) *GRPCConnector {
	return &GRPCConnector{conn: conn}
}

// Send invokes the Call method.
func (c *GRPCConnector) Send(ctx context.Context, payload []byte) ([]byte, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.conn.Invoke(ctx, CallMethod, wrapperspb.Bytes(payload), out); err != nil {
		return nil, err
	}
	if len(out.GetValue()) == 0 {
		return nil, nil
	}
	return out.GetValue(), nil
}

// Close closes the underlying connection.
func (c *GRPCConnector) Close() error {
	return c.conn.Close()
}

// HTTPConnector posts payloads to a remote RPC endpoint.
type HTTPConnector struct {
	URL    string
	Client *http.Client
	// Token, when set, is sent as a bearer token.
	Token string
}

// Send posts the payload.
func (c *HTTPConnector) Send(ctx context.Context, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRequestBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return body, nil
}

// Close is a no-op; the http.Client owns its connections.
func (c *HTTPConnector) Close() error {
	return nil
}
