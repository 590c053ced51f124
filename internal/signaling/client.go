package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mikeyg42/xrstream/internal/protocol"
)

// Client is the peer side of the bridge, used by the reference receiver and tests.
type Client struct {
	PeerID string

	ws      *websocket.Conn
	writeMu sync.Mutex
}

type DialOptions struct {
	// MaxElapsed bounds the total time spent retrying. Zero means one minute.
	MaxElapsed time.Duration
	Logger     *zap.Logger
}

// Dial connects with exponential backoff and waits for the server to assign a peer id.
// A handshake the server rejects outright is not retried.
func Dial(ctx context.Context, url string, opts DialOptions) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxElapsed := opts.MaxElapsed
	if maxElapsed <= 0 {
		maxElapsed = time.Minute
	}

	ebo := backoff.NewExponentialBackOff()
	ebo.InitialInterval = 200 * time.Millisecond
	ebo.MaxInterval = 5 * time.Second
	ebo.MaxElapsedTime = maxElapsed

	var ws *websocket.Conn
	op := func() error {
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return backoff.Permanent(fmt.Errorf("handshake rejected with %s: %w", resp.Status, err))
			}
			return err
		}
		ws = conn
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logger.Info("signaling dial failed, retrying", zap.Error(err), zap.Duration("wait", wait))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(ebo, ctx), notify); err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}

	c := &Client{ws: ws}
	msg, err := c.Read()
	if err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("failed to read welcome: %w", err)
	}
	if msg.Method != MethodWelcome || msg.PeerID == "" {
		_ = ws.Close()
		return nil, fmt.Errorf("expected welcome, got %q", msg.Method)
	}
	c.PeerID = msg.PeerID
	return c, nil
}

// Read blocks for the next server notification.
func (c *Client) Read() (Message, error) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return Message{}, err
		}
		msg, err := decode(data)
		if errors.Is(err, ErrUnknownMethod) {
			continue
		}
		return msg, err
	}
}

func (c *Client) SendAnswer(sdp string) error {
	return c.write(MethodAnswer, SessionDescription{SDP: sdp})
}

func (c *Client) SendCandidate(cand protocol.Candidate) error {
	return c.write(MethodCandidate, cand)
}

func (c *Client) write(method string, params any) error {
	msg, err := encode(method, params)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, msg)
}

func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}
