// Package servertest provides helpers for exercising the WebSocket session
// surface end to end: dialing with credentials, sending commands and
// reading the newline-batched event stream.
package servertest

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/chatrelay/internal/chat"
)

// TestOrigin is the Origin header sent by Dial.
const TestOrigin = "http://localhost:8080"

// InvalidFrame is the event type reported for lines that are not JSON
// events.
const InvalidFrame chat.EventType = "invalid_frame"

// EventTimeout bounds every wait for an expected event.
const EventTimeout = 2 * time.Second

// WebSocketURL turns an httptest server URL into the /ws endpoint URL.
func WebSocketURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + "/ws"
}

// AssertStatusCode checks if the HTTP response has the expected status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// AssertContentType checks if the HTTP response has the expected Content-Type header.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, expected) {
		t.Errorf("Expected content type %s, got %s", expected, contentType)
	}
}

// MakeRequest creates and executes an HTTP request, returning the response.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{Timeout: 5 * time.Second}

	req, err := http.NewRequest(method, url, http.NoBody)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// DialRaw attempts a handshake and returns the response even when it fails.
func DialRaw(wsURL string, header http.Header) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(wsURL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// Client is a test WebSocket client. A background reader splits every
// received message into events.
type Client struct {
	Conn   *websocket.Conn
	events chan chat.Event
	done   chan struct{}
}

// Dial connects with token passed as the access_token query parameter.
func Dial(t *testing.T, wsURL, token string) *Client {
	t.Helper()

	header := http.Header{}
	header.Set("Origin", TestOrigin)
	conn, _, err := DialRaw(wsURL+"?access_token="+token, header)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}

	c := &Client{
		Conn:   conn,
		events: make(chan chat.Event, 256),
		done:   make(chan struct{}),
	}
	go c.read()
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func (c *Client) read() {
	defer close(c.done)
	defer close(c.events)
	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			return
		}
		for _, line := range bytes.Split(data, []byte{'\n'}) {
			var ev chat.Event
			if err := json.Unmarshal(line, &ev); err != nil {
				ev = chat.Event{Type: InvalidFrame, Error: string(line)}
			}
			c.events <- ev
		}
	}
}

// Send writes cmd as one JSON text frame.
func (c *Client) Send(t *testing.T, cmd any) {
	t.Helper()
	if err := c.Conn.WriteJSON(cmd); err != nil {
		t.Fatalf("Failed to send command: %v", err)
	}
}

// SendRaw writes data as one text frame.
func (c *Client) SendRaw(t *testing.T, data []byte) {
	t.Helper()
	if err := c.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("Failed to send frame: %v", err)
	}
}

// Next returns the next event or fails the test.
func (c *Client) Next(t *testing.T) chat.Event {
	t.Helper()
	select {
	case ev, ok := <-c.events:
		if !ok {
			t.Fatal("Connection closed while waiting for an event")
		}
		return ev
	case <-time.After(EventTimeout):
		t.Fatal("Timed out waiting for an event")
		return chat.Event{}
	}
}

// Expect returns the next event and fails unless it has type typ.
func (c *Client) Expect(t *testing.T, typ chat.EventType) chat.Event {
	t.Helper()
	ev := c.Next(t)
	if ev.Type != typ {
		t.Fatalf("Expected %s event, got %+v", typ, ev)
	}
	return ev
}

// ExpectNone fails if an event arrives within wait.
func (c *Client) ExpectNone(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case ev, ok := <-c.events:
		if ok {
			t.Fatalf("Unexpected event: %+v", ev)
		}
	case <-time.After(wait):
	}
}

// WaitClosed fails unless the server closes the connection within timeout.
func (c *Client) WaitClosed(t *testing.T, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case <-c.done:
			return
		case <-c.events:
		case <-deadline:
			t.Fatal("Connection was not closed by the server")
		}
	}
}

// Close sends a normal close frame and closes the socket.
func (c *Client) Close() error {
	_ = c.Conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.Conn.Close()
}
