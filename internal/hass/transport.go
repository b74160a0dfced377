package hass

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one open stream to the hub.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

// Dialer opens stream connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// WebSocketDialer dials the hub's /api/websocket endpoint.
type WebSocketDialer struct {
	url    string
	dialer *websocket.Dialer
}

// NewWebSocketDialer creates a dialer for the hub at baseURL
// (http(s)://host:port). insecure skips TLS verification for hubs with
// self-signed certificates.
func NewWebSocketDialer(baseURL string, handshakeTimeout time.Duration, insecure bool) (*WebSocketDialer, error) {
	wsURL, err := StreamURL(baseURL)
	if err != nil {
		return nil, err
	}
	if handshakeTimeout == 0 {
		handshakeTimeout = 10 * time.Second
	}

	d := &websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		Proxy:            websocket.DefaultDialer.Proxy,
	}
	if insecure {
		d.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &WebSocketDialer{url: wsURL, dialer: d}, nil
}

// URL returns the stream URL being dialed.
func (d *WebSocketDialer) URL() string {
	return d.url
}

// Dial opens a new WebSocket connection.
func (d *WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, d.url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", d.url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", d.url, err)
	}
	return conn, nil
}

// StreamURL derives the WebSocket endpoint from the hub base URL.
func StreamURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid hub url %q: %w", baseURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid hub url %q: unsupported scheme %q", baseURL, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid hub url %q: missing host", baseURL)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/websocket"
	return u.String(), nil
}
