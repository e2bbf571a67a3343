// Package kaspad is a JSON-RPC client for the node, with endpoint fallback.
package kaspad

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"git.gammaspectra.live/P2Pool/kaspa-miner/client"
	"git.gammaspectra.live/P2Pool/kaspa-miner/utils"
)

// Client talks to one or more nodes, moving to the next endpoint when one fails.
type Client struct {
	endpoints    []*url.URL
	currentIndex int
	mu           sync.RWMutex
	http         *http.Client
}

// NewClient accepts a single address or a comma-separated list for fallback.
// Addresses without a scheme are taken as http, e.g. "127.0.0.1:16110".
func NewClient(addresses string) (*Client, error) {
	parts := strings.Split(addresses, ",")
	endpoints := make([]*url.URL, 0, len(parts))

	for _, addr := range parts {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		if !strings.Contains(addr, "://") {
			addr = "http://" + addr
		}
		parsed, err := url.Parse(addr)
		if err != nil {
			return nil, fmt.Errorf("parse address %q: %w", addr, err)
		}
		endpoints = append(endpoints, parsed)
	}

	if len(endpoints) == 0 {
		return nil, errors.New("no valid endpoints provided")
	}

	return &Client{
		endpoints: endpoints,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}, nil
}

func (c *Client) currentEndpoint() *url.URL {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.endpoints[c.currentIndex]
}

func (c *Client) failover() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentIndex = (c.currentIndex + 1) % len(c.endpoints)
}

func (c *Client) EndpointCount() int {
	return len(c.endpoints)
}

func (c *Client) CurrentEndpoint() string {
	return c.currentEndpoint().String()
}

type rpcRequest struct {
	ID      string `json:"id"`
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	ID      string          `json:"id"`
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// call makes a JSON-RPC call, trying each endpoint once. Transport failures on every
// endpoint are reported as client.ErrNodeUnreachable.
func (c *Client) call(ctx context.Context, method string, params, result any) error {
	reqBody, err := utils.MarshalJSON(&rpcRequest{
		ID:      "0",
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < len(c.endpoints); attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		endpoint := c.currentEndpoint()
		address := *endpoint
		address.Path = "/json_rpc"

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, address.String(), bytes.NewReader(reqBody))
		if err != nil {
			lastErr = fmt.Errorf("create request: %w", err)
			c.failover()
			continue
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", endpoint.Host, err)
			utils.Logf("RPC", "Endpoint %s failed: %v, trying next...", endpoint.Host, err)
			c.failover()
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			resp.Body.Close()
			lastErr = fmt.Errorf("%s: non-2xx status: %d", endpoint.Host, resp.StatusCode)
			utils.Logf("RPC", "Endpoint %s returned status %d, trying next...", endpoint.Host, resp.StatusCode)
			c.failover()
			continue
		}

		var rpcResp rpcResponse
		if err := utils.NewJSONDecoder(resp.Body).Decode(&rpcResp); err != nil {
			resp.Body.Close()
			lastErr = fmt.Errorf("%s: decode response: %w", endpoint.Host, err)
			c.failover()
			continue
		}
		resp.Body.Close()

		if rpcResp.Error != nil && (rpcResp.Error.Code != 0 || rpcResp.Error.Message != "") {
			return &RPCError{Method: method, Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
		}

		if result != nil && len(rpcResp.Result) > 0 {
			if err := utils.UnmarshalJSON(rpcResp.Result, result); err != nil {
				return fmt.Errorf("unmarshal result: %w", err)
			}
		}

		return nil
	}

	return fmt.Errorf("%w: all endpoints failed, last error: %w", client.ErrNodeUnreachable, lastErr)
}

// RPCError is an error returned by the node itself.
type RPCError struct {
	Method  string
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%s: rpc error: code=%d message=%s", e.Method, e.Code, e.Message)
}
