package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"jobvend/internal/event"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var ErrConnClosed = errors.New("relay: connection closed")

// RejectedError is returned when a relay answers OK=false for a published event.
type RejectedError struct {
	Relay   string
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("relay %s rejected event: %s", e.Relay, e.Message)
}

type okResult struct {
	accepted bool
	message  string
}

type subHandlers struct {
	onEvent  func(*event.Event)
	onEOSE   func()
	onClosed func(reason string)
}

// Conn is a single websocket connection to one relay.
type Conn struct {
	url    string
	ws     *websocket.Conn
	logger *zap.Logger

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]*subHandlers
	oks  map[string]chan okResult

	done      chan struct{}
	closeOnce sync.Once
}

func Dial(ctx context.Context, url string, logger *zap.Logger) (*Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", url, err)
	}
	c := &Conn{
		url:    url,
		ws:     ws,
		logger: logger.With(zap.String("relay", url)),
		subs:   make(map[string]*subHandlers),
		oks:    make(map[string]chan okResult),
		done:   make(chan struct{}),
	}
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

func (c *Conn) URL() string { return c.url }

// Done is closed once the connection has terminated.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.ws.Close()

		c.mu.Lock()
		subs := c.subs
		c.subs = make(map[string]*subHandlers)
		c.mu.Unlock()
		for _, s := range subs {
			if s.onClosed != nil {
				s.onClosed("connection closed")
			}
		}
	})
	return err
}

// Publish sends an EVENT frame and waits for the relay's OK.
func (c *Conn) Publish(ctx context.Context, ev *event.Event) error {
	ch := make(chan okResult, 1)
	c.mu.Lock()
	c.oks[ev.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.oks, ev.ID)
		c.mu.Unlock()
	}()

	if err := c.writeJSON([]any{"EVENT", ev}); err != nil {
		return err
	}
	select {
	case res := <-ch:
		if !res.accepted {
			return &RejectedError{Relay: c.url, Message: res.message}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrConnClosed
	}
}

// Subscribe sends a REQ frame. Handlers run on the read goroutine and must not block.
func (c *Conn) Subscribe(id string, filters []event.Filter, onEvent func(*event.Event), onEOSE func(), onClosed func(string)) error {
	if c.Closed() {
		return ErrConnClosed
	}
	c.mu.Lock()
	c.subs[id] = &subHandlers{onEvent: onEvent, onEOSE: onEOSE, onClosed: onClosed}
	c.mu.Unlock()

	frame := make([]any, 0, 2+len(filters))
	frame = append(frame, "REQ", id)
	for _, f := range filters {
		frame = append(frame, f)
	}
	if err := c.writeJSON(frame); err != nil {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *Conn) Unsubscribe(id string) {
	c.mu.Lock()
	_, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if !ok || c.Closed() {
		return
	}
	if err := c.writeJSON([]any{"CLOSE", id}); err != nil {
		c.logger.Debug("close subscription failed", zap.String("sub", id), zap.Error(err))
	}
}

func (c *Conn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.Closed() {
		return ErrConnClosed
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if err := c.ws.WriteJSON(v); err != nil {
		return fmt.Errorf("write to relay %s: %w", c.url, err)
	}
	return nil
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("ping failed", zap.Error(err))
				_ = c.Close()
				return
			}
		}
	}
}

func (c *Conn) readLoop() {
	defer func() { _ = c.Close() }()
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if !c.Closed() {
				c.logger.Info("relay read failed", zap.Error(err))
			}
			return
		}
		c.dispatch(msg)
	}
}

func (c *Conn) dispatch(msg []byte) {
	var frame []json.RawMessage
	if err := json.Unmarshal(msg, &frame); err != nil || len(frame) == 0 {
		c.logger.Debug("ignoring malformed frame", zap.ByteString("frame", msg))
		return
	}
	var label string
	if err := json.Unmarshal(frame[0], &label); err != nil {
		return
	}
	switch label {
	case "EVENT":
		if len(frame) < 3 {
			return
		}
		var subID string
		var ev event.Event
		if json.Unmarshal(frame[1], &subID) != nil || json.Unmarshal(frame[2], &ev) != nil {
			return
		}
		if s := c.sub(subID); s != nil && s.onEvent != nil {
			s.onEvent(&ev)
		}
	case "EOSE":
		var subID string
		if len(frame) < 2 || json.Unmarshal(frame[1], &subID) != nil {
			return
		}
		if s := c.sub(subID); s != nil && s.onEOSE != nil {
			s.onEOSE()
		}
	case "CLOSED":
		var subID, reason string
		if len(frame) < 2 || json.Unmarshal(frame[1], &subID) != nil {
			return
		}
		if len(frame) > 2 {
			_ = json.Unmarshal(frame[2], &reason)
		}
		c.mu.Lock()
		s := c.subs[subID]
		delete(c.subs, subID)
		c.mu.Unlock()
		if s != nil && s.onClosed != nil {
			s.onClosed(reason)
		}
	case "OK":
		var id, message string
		var accepted bool
		if len(frame) < 3 || json.Unmarshal(frame[1], &id) != nil || json.Unmarshal(frame[2], &accepted) != nil {
			return
		}
		if len(frame) > 3 {
			_ = json.Unmarshal(frame[3], &message)
		}
		c.mu.Lock()
		ch := c.oks[id]
		c.mu.Unlock()
		if ch != nil {
			select {
			case ch <- okResult{accepted: accepted, message: message}:
			default:
			}
		}
	case "NOTICE":
		var notice string
		if len(frame) > 1 {
			_ = json.Unmarshal(frame[1], &notice)
		}
		c.logger.Info("relay notice", zap.String("notice", notice))
	}
}

func (c *Conn) sub(id string) *subHandlers {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[id]
}
