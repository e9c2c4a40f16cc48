package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	DefaultHost = "generativelanguage.googleapis.com"
	wsPath      = "/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"
)

// Conn is one open upstream connection.
type Conn interface {
	SendSetup(Setup) error
	SendClientContent(ClientContent) error
	SendRealtimeInput(RealtimeInput) error
	SendToolResponse(ToolResponse) error
	Receive() (*ServerMessage, error)
	Close() error
}

// Dialer opens upstream connections. Injected so the link policy can be
// exercised against fakes.
type Dialer interface {
	Dial(ctx context.Context, apiKey string) (Conn, error)
}

type WSDialer struct {
	Host             string
	HandshakeTimeout time.Duration
}

func (d WSDialer) Dial(ctx context.Context, apiKey string) (Conn, error) {
	host := strings.TrimSpace(d.Host)
	if host == "" {
		host = DefaultHost
	}
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	u := url.URL{
		Scheme:   "wss",
		Host:     host,
		Path:     wsPath,
		RawQuery: "key=" + url.QueryEscape(apiKey),
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	ws, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("upstream dial: %w", err)
	}
	return &wsConn{ws: ws}, nil
}

type wsConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) send(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(v)
}

func (c *wsConn) SendSetup(s Setup) error {
	return c.send(SetupMessage{Setup: s})
}

func (c *wsConn) SendClientContent(cc ClientContent) error {
	return c.send(ClientContentMessage{ClientContent: cc})
}

func (c *wsConn) SendRealtimeInput(in RealtimeInput) error {
	return c.send(RealtimeInputMessage{RealtimeInput: in})
}

func (c *wsConn) SendToolResponse(tr ToolResponse) error {
	return c.send(ToolResponseMessage{ToolResponse: tr})
}

func (c *wsConn) Receive() (*ServerMessage, error) {
	// The service interleaves text and binary frames; both carry JSON.
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("upstream decode: %w", err)
	}
	return &msg, nil
}

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}

// IsQuotaClose reports whether a receive error indicates quota exhaustion on
// the current credential.
func IsQuotaClose(err error) bool {
	if err == nil {
		return false
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.CloseInternalServerErr, websocket.ClosePolicyViolation:
			return containsQuotaMarker(ce.Text)
		default:
			return false
		}
	}
	return containsQuotaMarker(err.Error())
}

func containsQuotaMarker(text string) bool {
	text = strings.ToLower(text)
	return strings.Contains(text, "quota") ||
		strings.Contains(text, "resource_exhausted") ||
		strings.Contains(text, "resource exhausted") ||
		strings.Contains(text, "exceeded")
}
