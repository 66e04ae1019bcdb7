package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10
)

var (
	ErrNotOpen          = errors.New("connection not open")
	ErrMissingSession   = errors.New("job and resume IDs are required")
	ErrAlreadyConnected = errors.New("connection already attempted")
)

type EventKind int

const (
	// EventMessage carries a decoded inbound message.
	EventMessage EventKind = iota
	// EventInvalid reports a frame that could not be decoded.
	EventInvalid
	// EventClosed is the last event on the channel.
	EventClosed
)

type Event struct {
	Kind    EventKind
	Message Inbound
	Code    int
	Err     error
}

// Client owns the single websocket connection of one interview session. It
// never reconnects: once the connection drops the session is over.
type Client struct {
	baseURL string
	dialer  *websocket.Dialer

	mu        sync.Mutex
	writeMu   sync.Mutex // serialises all conn writes
	conn      *websocket.Conn
	attempted bool
	open      bool
	closing   bool

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient targets baseURL, e.g. "ws://localhost:8000/api/ws/interview".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		done:    make(chan struct{}),
	}
}

// Connect dials the session endpoint for the job/resume pair and returns the
// stream of inbound events. The channel is closed after EventClosed.
func (c *Client) Connect(ctx context.Context, jobID, resumeID string) (<-chan Event, error) {
	if jobID == "" || resumeID == "" {
		return nil, ErrMissingSession
	}

	c.mu.Lock()
	if c.attempted {
		c.mu.Unlock()
		return nil, ErrAlreadyConnected
	}
	c.attempted = true
	c.mu.Unlock()

	u := c.baseURL + "/" + url.PathEscape(jobID) + "/" + url.PathEscape(resumeID)
	conn, resp, err := c.dialer.DialContext(ctx, u, nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			return nil, fmt.Errorf("websocket connect (status %d): %s: %w", resp.StatusCode, string(body), err)
		}
		return nil, fmt.Errorf("websocket connect: %w", err)
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		conn.Close()
		return nil, ErrNotOpen
	}
	c.conn = conn
	c.open = true
	c.mu.Unlock()

	slog.Info("Interview connection open", "url", u)

	events := make(chan Event, 16)
	go c.readLoop(conn, events)
	go c.pingLoop(conn)
	return events, nil
}

// Open reports whether messages can currently be sent.
func (c *Client) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// Send writes msg as JSON. It returns ErrNotOpen without queueing when the
// connection is not open; callers gate on connection state instead.
func (c *Client) Send(msg Outbound) error {
	c.mu.Lock()
	conn, open := c.conn, c.open
	c.mu.Unlock()
	if !open {
		return ErrNotOpen
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Close sends a normal-closure frame and releases the connection. Safe to
// call repeatedly and before Connect.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	already := c.closing
	c.closing = true
	c.open = false
	c.mu.Unlock()

	c.closeOnce.Do(func() { close(c.done) })
	if already || conn == nil {
		return nil
	}

	c.writeMu.Lock()
	err := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	c.writeMu.Unlock()
	if err != nil {
		slog.Debug("Close frame not sent", "error", err)
	}
	return conn.Close()
}

func (c *Client) readLoop(conn *websocket.Conn, events chan<- Event) {
	defer close(events)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.emit(events, c.closedEvent(err))
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg Inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.emit(events, Event{Kind: EventInvalid, Err: fmt.Errorf("invalid response from server: %w", err)})
			continue
		}
		c.emit(events, Event{Kind: EventMessage, Message: msg})
	}
}

func (c *Client) closedEvent(err error) Event {
	c.mu.Lock()
	local := c.closing
	c.open = false
	c.mu.Unlock()

	if local {
		return Event{Kind: EventClosed, Code: websocket.CloseNormalClosure}
	}

	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Code == websocket.CloseNormalClosure {
			return Event{Kind: EventClosed, Code: ce.Code}
		}
		return Event{Kind: EventClosed, Code: ce.Code, Err: err}
	}
	return Event{Kind: EventClosed, Code: websocket.CloseAbnormalClosure, Err: err}
}

func (c *Client) emit(events chan<- Event, ev Event) {
	select {
	case events <- ev:
	case <-c.done:
	}
}

func (c *Client) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if !c.Open() {
				return
			}
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
