package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"go.uber.org/zap"

	"mcpbridge/internal/domain"
)

const defaultCallTimeout = 30 * time.Second

// HTTPTransport dials backend servers speaking JSON-RPC over HTTP. The
// credential from the server config is attached as a bearer token on
// every request.
type HTTPTransport struct {
	logger *zap.Logger
	client *http.Client
}

type HTTPTransportOptions struct {
	Logger *zap.Logger
	Client *http.Client
}

func NewHTTPTransport(opts HTTPTransportOptions) *HTTPTransport {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: defaultCallTimeout}
	}
	return &HTTPTransport{
		logger: logger.Named("transport"),
		client: client,
	}
}

// Dial validates the server config and returns a connection bound to it.
// The HTTP client is shared; per-connection state is just the endpoint
// and credential.
func (t *HTTPTransport) Dial(_ context.Context, serverID string, cfg domain.ServerConfig) (domain.Conn, error) {
	endpoint := strings.TrimSpace(cfg.Address)
	if endpoint == "" {
		return nil, fmt.Errorf("server %s: address is required", serverID)
	}
	return &httpConn{
		serverID:   serverID,
		endpoint:   endpoint,
		credential: cfg.Credential,
		headers:    cfg.Headers,
		client:     t.client,
		logger:     t.logger,
	}, nil
}

type httpConn struct {
	serverID   string
	endpoint   string
	credential string
	headers    map[string]string
	client     *http.Client
	logger     *zap.Logger
	seq        atomic.Int64
	closed     atomic.Bool
}

func (c *httpConn) Call(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error) {
	const op = "transport call"
	if c.closed.Load() {
		return nil, domain.Wrap(domain.CodeUnavailable, op, domain.ErrConnClosed)
	}

	id, err := jsonrpc.MakeID(fmt.Sprintf("%s-%d", c.serverID, c.seq.Add(1)))
	if err != nil {
		return nil, fmt.Errorf("build request id: %w", err)
	}
	params, err := json.Marshal(map[string]json.RawMessage{
		"tool":      mustMarshal(tool),
		"arguments": normalizeArgs(args),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal call params: %w", err)
	}
	wire, err := jsonrpc.EncodeMessage(&jsonrpc.Request{
		ID:     id,
		Method: "tools/call",
		Params: params,
	})
	if err != nil {
		return nil, fmt.Errorf("encode call: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(wire))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.credential != "" {
		req.Header.Set("Authorization", "Bearer "+c.credential)
	}
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyTransportErr(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransportErr(op, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, domain.E(domain.CodeUnauthenticated, op,
			fmt.Sprintf("server %s rejected credential", c.serverID), nil)
	case resp.StatusCode >= 500:
		return nil, domain.RetryableError(op,
			fmt.Errorf("server %s returned %s", c.serverID, resp.Status))
	case resp.StatusCode >= 400:
		return nil, domain.E(domain.CodeInvalidArgument, op,
			fmt.Sprintf("server %s returned %s", c.serverID, resp.Status), nil)
	}

	return decodeCallResult(body)
}

func (c *httpConn) Close() error {
	c.closed.Store(true)
	return nil
}

func decodeCallResult(raw []byte) (json.RawMessage, error) {
	msg, err := jsonrpc.DecodeMessage(raw)
	if err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	resp, ok := msg.(*jsonrpc.Response)
	if !ok {
		return nil, errors.New("response is not a response message")
	}
	if resp.Error != nil {
		return nil, domain.E(domain.CodeInvalidArgument, "transport call", resp.Error.Error(), resp.Error)
	}
	if len(resp.Result) == 0 {
		return nil, errors.New("response missing result")
	}
	return resp.Result, nil
}

// classifyTransportErr marks a connection-level failure as retryable. By
// the time Do or ReadAll fails no complete response was seen, so the
// failure is network or timeout class.
func classifyTransportErr(op string, err error) error {
	return domain.RetryableError(op, err)
}

func normalizeArgs(args json.RawMessage) json.RawMessage {
	if len(args) == 0 {
		return json.RawMessage("{}")
	}
	return args
}

func mustMarshal(value string) json.RawMessage {
	raw, _ := json.Marshal(value)
	return raw
}
