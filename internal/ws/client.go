// Package ws maintains the daemon's WebSocket to the relay server:
// one long-lived connection, reconnecting on a fixed backoff schedule
// until a cap, after which the daemon is permanently disconnected and
// stops trying.
package ws

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agent-relay/relayd/internal/metrics"
	"github.com/agent-relay/relayd/internal/protocol"
)

// CommandHandler receives decoded server-to-daemon messages.
type CommandHandler func(cmd any)

// ErrNotConnected is returned by Send while the socket is down;
// callers drop the message rather than queue it. The HTTP path owns
// durable delivery.
var ErrNotConnected = fmt.Errorf("websocket not connected")

type Client struct {
	url         string
	token       string
	clientID    string
	backoff     []int
	maxAttempts int
	heartbeat   time.Duration
	hello       protocol.DaemonConnected

	conn          *websocket.Conn
	mu            sync.Mutex
	onCommand     CommandHandler
	onConnect     func()
	onPermanent   func()
	done          chan struct{}
	reconnecting  bool
	permanentDown bool
}

func NewClient(url, token, clientID string, backoff []int, maxAttempts int, heartbeat time.Duration) *Client {
	return &Client{
		url:         url,
		token:       token,
		clientID:    clientID,
		backoff:     backoff,
		maxAttempts: maxAttempts,
		heartbeat:   heartbeat,
		done:        make(chan struct{}),
	}
}

// SetHello sets the capability announcement sent as the first message
// on every (re)connect.
func (c *Client) SetHello(hello protocol.DaemonConnected) {
	c.hello = hello
	c.hello.Type = protocol.TypeDaemonConnected
	c.hello.ClientID = c.clientID
}

func (c *Client) SetCommandHandler(handler CommandHandler) {
	c.onCommand = handler
}

func (c *Client) SetOnConnect(handler func()) {
	c.onConnect = handler
}

// SetOnPermanentDisconnect is invoked once when the reconnect budget
// is exhausted. Local work continues; nothing flows upstream after
// this.
func (c *Client) SetOnPermanentDisconnect(handler func()) {
	c.onPermanent = handler
}

func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.permanentDown {
		return fmt.Errorf("permanently disconnected")
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+c.token)
	headers.Set("X-Client-Id", c.clientID)

	conn, _, err := websocket.DefaultDialer.Dial(c.url, headers)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	// The hello must precede all session traffic on this socket.
	data, err := json.Marshal(c.hello)
	if err == nil {
		err = conn.WriteMessage(websocket.TextMessage, data)
	}
	if err != nil {
		conn.Close()
		return fmt.Errorf("sending hello: %w", err)
	}

	c.conn = conn
	c.reconnecting = false

	go c.reader(conn)
	go c.pinger(conn)

	if c.onConnect != nil {
		go c.onConnect()
	}

	return nil
}

func (c *Client) reader(conn *websocket.Conn) {
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn.Close()
			c.conn = nil
		}
		c.mu.Unlock()

		c.reconnect()
	}()

	for {
		select {
		case <-c.done:
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Printf("WebSocket read error: %v", err)
			return
		}

		cmd, err := protocol.DecodeServerMessage(message)
		if err != nil {
			log.Printf("Failed to parse server message: %v", err)
			continue
		}
		if cmd == nil {
			// Unknown type, tolerated for forward compatibility.
			continue
		}

		if c.onCommand != nil {
			c.onCommand(cmd)
		}
	}
}

// pinger keeps the connection warm; a failed ping closes the socket
// and lets the reader drive reconnection.
func (c *Client) pinger(conn *websocket.Conn) {
	if c.heartbeat <= 0 {
		return
	}
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			current := c.conn
			c.mu.Unlock()
			if current != conn {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				conn.Close()
				return
			}
		}
	}
}

// Reconnect walks the backoff schedule until a dial succeeds or the
// attempt budget is spent. The reader calls it on disconnect; the
// daemon calls it when the initial dial fails.
func (c *Client) Reconnect() { c.reconnect() }

func (c *Client) reconnect() {
	c.mu.Lock()
	if c.reconnecting || c.permanentDown {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()

	select {
	case <-c.done:
		return
	default:
	}

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		// Walk the schedule, holding at its last entry.
		idx := attempt - 1
		if idx >= len(c.backoff) {
			idx = len(c.backoff) - 1
		}
		delay := time.Duration(c.backoff[idx]) * time.Millisecond

		select {
		case <-c.done:
			return
		case <-time.After(delay):
		}

		log.Printf("Reconnection attempt %d/%d", attempt, c.maxAttempts)
		metrics.Reconnects.Inc()

		if err := c.Connect(); err == nil {
			log.Printf("Reconnected successfully")
			return
		}
	}

	log.Printf("Reconnect budget exhausted, staying offline")
	c.mu.Lock()
	c.permanentDown = true
	c.reconnecting = false
	c.mu.Unlock()
	if c.onPermanent != nil {
		c.onPermanent()
	}
}

// Send writes one message to the socket. While disconnected it
// returns ErrNotConnected and the message is dropped.
func (c *Client) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		metrics.DroppedMessages.Inc()
		return ErrNotConnected
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) PermanentlyDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.permanentDown
}

func (c *Client) Close() {
	close(c.done)
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
}
