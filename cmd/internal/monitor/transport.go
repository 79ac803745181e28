package monitor

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/coder/websocket"
)

const (
	wsSubprotocol = "beacon.monitor.v1"

	// Max bytes per frame read (hard limit). Warning frames are tiny.
	maxFrameBytes = 16 << 10

	defaultDialTimeout = 10 * time.Second
)

// Transport is one live duplex connection to the push endpoint.
type Transport interface {
	// Read blocks until the next text frame or a transport error.
	Read(ctx context.Context) ([]byte, error)
	// Close tears the connection down. Safe to call more than once.
	Close() error
}

// Dialer opens a Transport authenticated with an access token.
type Dialer interface {
	Dial(ctx context.Context, accessToken string) (Transport, error)
}

// WebsocketDialer dials the authority's push endpoint over websocket,
// passing the access token as a connection parameter.
type WebsocketDialer struct {
	// URL is the push endpoint (ws:// or wss://).
	URL string

	// DialTimeout bounds the handshake. Defaults to 10s.
	DialTimeout time.Duration
}

// Dial opens and returns a websocket transport.
func (d WebsocketDialer) Dial(ctx context.Context, accessToken string) (Transport, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("parse push url: %w", err)
	}
	q := u.Query()
	q.Set("token", accessToken)
	u.RawQuery = q.Encode()

	timeout := d.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, resp, err := websocket.Dial(dialCtx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocol},
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	conn.SetReadLimit(maxFrameBytes)
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	for {
		mt, data, err := t.conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		if mt != websocket.MessageText {
			// Binary frames are not part of the contract; skip them.
			continue
		}
		return data, nil
	}
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "bye")
}
