// Package transport provides the client side of the chat channel.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 5 * time.Second
	readLimit               = 1 << 20 // 1MB
)

// Conn is one open channel to the server.
type Conn interface {
	// Read blocks until the next frame arrives.
	Read(ctx context.Context) ([]byte, error)
	// Write sends one frame.
	Write(ctx context.Context, frame []byte) error
	// Close releases the channel.
	Close() error
}

// Dialer opens channels authorized by a bearer token.
type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// WebSocketDialer dials the server's WebSocket endpoint.
type WebSocketDialer struct {
	url              string
	handshakeTimeout time.Duration
	writeTimeout     time.Duration
	httpClient       *http.Client
}

// NewWebSocketDialer creates a dialer for the given server address. Plain
// http(s) addresses are mapped to ws(s) and the /ws path is appended when
// missing.
func NewWebSocketDialer(server string) (*WebSocketDialer, error) {
	u, err := ChannelURL(server)
	if err != nil {
		return nil, err
	}
	return &WebSocketDialer{
		url:              u,
		handshakeTimeout: defaultHandshakeTimeout,
		writeTimeout:     defaultWriteTimeout,
	}, nil
}

// WithHTTPClient sets the client used for the upgrade request.
func (d *WebSocketDialer) WithHTTPClient(c *http.Client) *WebSocketDialer {
	d.httpClient = c
	return d
}

// URL returns the channel endpoint.
func (d *WebSocketDialer) URL() string {
	return d.url
}

// Dial implements Dialer.
func (d *WebSocketDialer) Dial(ctx context.Context, token string) (Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, d.handshakeTimeout)
	defer cancel()

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	ws, resp, err := websocket.Dial(dialCtx, d.url, &websocket.DialOptions{
		HTTPHeader: header,
		HTTPClient: d.httpClient,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.url, err)
	}
	ws.SetReadLimit(readLimit)

	return &wsConn{ws: ws, writeTimeout: d.writeTimeout}, nil
}

type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.ws.Read(ctx)
	return data, err
}

func (c *wsConn) Write(ctx context.Context, frame []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	return c.ws.Write(writeCtx, websocket.MessageText, frame)
}

func (c *wsConn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "client closed")
}

// ChannelURL normalizes a server address into the channel endpoint.
func ChannelURL(server string) (string, error) {
	addr := strings.TrimSpace(server)
	if addr == "" {
		return "", fmt.Errorf("server address cannot be empty")
	}
	switch {
	case strings.HasPrefix(addr, "https://"):
		addr = "wss://" + strings.TrimPrefix(addr, "https://")
	case strings.HasPrefix(addr, "http://"):
		addr = "ws://" + strings.TrimPrefix(addr, "http://")
	case !strings.HasPrefix(addr, "ws://") && !strings.HasPrefix(addr, "wss://"):
		addr = "ws://" + addr
	}

	u, err := url.Parse(addr)
	if err != nil {
		return "", fmt.Errorf("parse server address: %w", err)
	}
	if !strings.HasSuffix(u.Path, "/ws") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	}
	return u.String(), nil
}
