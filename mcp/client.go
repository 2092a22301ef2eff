// Package mcp is a minimal client for MCP (Model Context Protocol) tool
// servers reached over HTTP.
package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Pratyay/agent-studio/errors"
	"github.com/Pratyay/agent-studio/transport"
)

// ProtocolVersion is sent in the initialize request.
const ProtocolVersion = "2024-11-05"

// HealthTimeout bounds a health probe.
const HealthTimeout = 5 * time.Second

const maxResponseSize = 4 << 20

// Tool represents an MCP tool definition.
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"inputSchema,omitempty"`
}

// ToolsListResult is the result of tools/list.
type ToolsListResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// ServerInfo is what a server reports about itself on initialize.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerInfo      ServerInfo `json:"serverInfo"`
}

// Client talks JSON-RPC to one MCP server endpoint by HTTP POST.
type Client struct {
	endpoint string
	http     *http.Client
	id       atomic.Int64
}

// NewClient creates a client for endpoint. A nil http client uses one with
// a 30s timeout.
func NewClient(endpoint string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{endpoint: strings.TrimSuffix(endpoint, "/"), http: hc}
}

// Endpoint returns the server URL.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Health probes <endpoint>/health. Only HTTP 200 counts as healthy.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, HealthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/health", nil)
	if err != nil {
		return errors.InvalidInput("bad tool endpoint", errors.WithCause(err), errors.WithMetadata("endpoint", c.endpoint))
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Transport("health probe failed", errors.WithCause(err), errors.WithMetadata("endpoint", c.endpoint))
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return errors.New(errors.ErrCodeUnavailable, fmt.Sprintf("health probe returned HTTP %d", resp.StatusCode),
			errors.WithMetadata("endpoint", c.endpoint))
	}
	return nil
}

// Initialize performs the MCP initialization handshake.
func (c *Client) Initialize(ctx context.Context) (*ServerInfo, error) {
	var res initializeResult
	err := c.call(ctx, "initialize", map[string]interface{}{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]interface{}{},
		"clientInfo": map[string]interface{}{
			"name":    "agent-studio",
			"version": "1.0.0",
		},
	}, &res)
	if err != nil {
		return nil, errors.Wrap(err, "initialize failed")
	}
	c.notify(ctx, "notifications/initialized")
	return &res.ServerInfo, nil
}

// ListTools fetches every tool, following pagination cursors.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	var tools []Tool
	cursor := ""
	for page := 0; page < 100; page++ {
		var params interface{}
		if cursor != "" {
			params = map[string]string{"cursor": cursor}
		}
		var res ToolsListResult
		if err := c.call(ctx, "tools/list", params, &res); err != nil {
			return nil, err
		}
		tools = append(tools, res.Tools...)
		if res.NextCursor == "" {
			return tools, nil
		}
		cursor = res.NextCursor
	}
	return nil, errors.Internal("tools/list did not terminate", errors.WithMetadata("endpoint", c.endpoint))
}

func (c *Client) call(ctx context.Context, method string, params, result interface{}) error {
	id := strconv.FormatInt(c.id.Add(1), 10)
	req, err := transport.NewRequest(id, method, params)
	if err != nil {
		return errors.Wrap(err, "encoding "+method+" params")
	}
	data, err := c.post(ctx, req)
	if err != nil {
		return err
	}

	msg, err := transport.Parse(data)
	if err != nil {
		return errors.Transport("malformed "+method+" response", errors.WithCause(err))
	}
	if msg.Error != nil {
		return errors.New(errors.ErrCodeUnavailable, method+" failed", errors.WithCause(msg.Error),
			errors.WithMetadata("endpoint", c.endpoint))
	}
	if msg.IDString() != id {
		return errors.Transport("response id mismatch", errors.WithMetadata("want", id), errors.WithMetadata("got", msg.IDString()))
	}
	if err := msg.DecodeResult(result); err != nil {
		return errors.Transport("decoding "+method+" result", errors.WithCause(err))
	}
	return nil
}

func (c *Client) notify(ctx context.Context, method string) {
	msg, err := transport.NewNotification(method, nil)
	if err != nil {
		return
	}
	c.post(ctx, msg)
}

func (c *Client) post(ctx context.Context, msg *transport.Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, "encoding request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.InvalidInput("bad tool endpoint", errors.WithCause(err), errors.WithMetadata("endpoint", c.endpoint))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Transport("POST "+msg.Method+" failed", errors.WithCause(err), errors.WithMetadata("endpoint", c.endpoint))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, errors.Transport("reading response", errors.WithCause(err))
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, errors.Transport(fmt.Sprintf("%s: HTTP %d", msg.Method, resp.StatusCode),
			errors.WithMetadata("endpoint", c.endpoint))
	}
	return data, nil
}
