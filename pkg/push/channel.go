// Package push maintains one websocket connection per tracked job,
// delivering unsolicited progress updates to registered callbacks.
package push

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"convtrack/pkg/logging"
	"convtrack/pkg/models"
	"convtrack/pkg/retry"
)

// Status represents the connection state of a push channel
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// Message is the structured payload delivered over the push channel
type Message struct {
	Progress     int              `json:"progress"`
	Status       models.JobStatus `json:"status"`
	CurrentStage *string          `json:"current_stage,omitempty"`
	ErrorMessage *string          `json:"error_message,omitempty"`
}

// Callbacks are invoked from the channel's run goroutine. The channel
// mutates no external state itself; ownership of the merged job record
// stays with the caller.
type Callbacks struct {
	OnOpen    func()
	OnMessage func(Message)
	OnClose   func(err error)
}

// Options configures a channel
type Options struct {
	Dialer      *websocket.Dialer
	Reconnect   retry.Config
	Logger      *logging.Logger
	ReadTimeout time.Duration // zero disables the read deadline

	// OnReconnect, if set, is invoked once per failed dial attempt,
	// feeding the reconnect counter.
	OnReconnect func()
}

// DefaultOptions returns the reconnect policy used in production:
// five attempts, exponential backoff from one second capped at thirty.
func DefaultOptions() Options {
	return Options{
		Dialer: websocket.DefaultDialer,
		Reconnect: retry.Config{
			MaxRetries:     5,
			InitialBackoff: 1 * time.Second,
			MaxBackoff:     30 * time.Second,
			Multiplier:     2.0,
		},
		Logger: logging.Discard(),
	}
}

// Channel is one push connection for one job id
type Channel struct {
	url   string
	jobID string
	cb    Callbacks
	opts  Options

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	status Status
	conn   *websocket.Conn
	last   *Message
	closed bool

	done chan struct{}
}

// Open establishes a push channel for jobID at url and starts its run
// loop. The returned channel reports StatusConnecting until the first
// dial resolves.
func Open(url, jobID string, cb Callbacks, opts Options) *Channel {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		url:    url,
		jobID:  jobID,
		cb:     cb,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		status: StatusConnecting,
		done:   make(chan struct{}),
	}

	go c.run()
	return c
}

// Status returns the current connection status
func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// LastMessage returns the most recently parsed message, or nil
func (c *Channel) LastMessage() *Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Close tears the channel down. No callbacks fire after Close returns,
// even if the close races with a reconnect or an in-flight read.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.status = StatusDisconnected
	conn := c.conn
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		conn.Close()
	}
	<-c.done
}

// Done is closed once the run loop has exited
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

func (c *Channel) run() {
	defer close(c.done)

	log := c.opts.Logger.WithField("job_id", c.jobID)
	attempts := 0

	for {
		if c.ctx.Err() != nil {
			return
		}

		c.setStatus(StatusConnecting)
		conn, _, err := c.opts.Dialer.DialContext(c.ctx, c.url, nil)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			attempts++
			if c.opts.OnReconnect != nil {
				c.opts.OnReconnect()
			}
			if attempts > c.opts.Reconnect.MaxRetries {
				log.Warn("push channel giving up after reconnect budget", map[string]interface{}{
					"attempts": attempts - 1,
					"error":    err.Error(),
				})
				c.setStatus(StatusError)
				return
			}
			backoff := c.opts.Reconnect.Backoff(attempts - 1)
			log.Debug("push channel dial failed, backing off", map[string]interface{}{
				"attempt": attempts,
				"backoff": backoff.String(),
			})
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff):
			}
			continue
		}

		// Successful dial resets the budget so each outage gets the
		// full allowance.
		attempts = 0

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		c.status = StatusConnected
		c.mu.Unlock()

		c.emit(c.cb.OnOpen)
		readErr := c.readLoop(conn, log)
		conn.Close()

		c.mu.Lock()
		c.conn = nil
		if !c.closed {
			c.status = StatusDisconnected
		}
		c.mu.Unlock()

		if c.ctx.Err() != nil {
			return
		}
		c.emitClose(readErr)
	}
}

// readLoop pumps messages until the connection drops
func (c *Channel) readLoop(conn *websocket.Conn, log *logging.Logger) error {
	for {
		if c.opts.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		msg, ok := parseMessage(data)
		if !ok {
			// Malformed payloads are dropped, never surfaced as state
			log.Warn("dropping malformed push payload", map[string]interface{}{
				"payload_bytes": len(data),
			})
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil
		}
		c.last = &msg
		c.mu.Unlock()

		c.emitMessage(msg)
	}
}

func parseMessage(data []byte) (Message, bool) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, false
	}
	if models.StatusRank(msg.Status) < 0 {
		return Message{}, false
	}
	if msg.Progress < 0 || msg.Progress > 100 {
		return Message{}, false
	}
	return msg, true
}

func (c *Channel) setStatus(s Status) {
	c.mu.Lock()
	if !c.closed {
		c.status = s
	}
	c.mu.Unlock()
}

func (c *Channel) emit(fn func()) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if !closed {
		fn()
	}
}

func (c *Channel) emitMessage(msg Message) {
	if c.cb.OnMessage == nil {
		return
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if !closed {
		c.cb.OnMessage(msg)
	}
}

func (c *Channel) emitClose(err error) {
	if c.cb.OnClose == nil {
		return
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if !closed {
		c.cb.OnClose(err)
	}
}
