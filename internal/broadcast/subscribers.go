package broadcast

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	model "auction-engine/internal/models"
	"auction-engine/utils"

	"github.com/gorilla/websocket"
)

// DefaultSubscriberBuffer is how many events a subscriber may fall behind
// before new ones are dropped for it
const DefaultSubscriberBuffer = 64

var ErrSubscriberFull = errors.New("subscriber buffer full")

// ChanSubscriber buffers events in a channel. It backs the SSE transport and
// is handy in tests.
type ChanSubscriber struct {
	id     string
	events chan model.Event

	mu     sync.Mutex
	closed bool
}

func NewChanSubscriber(buffer int) *ChanSubscriber {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &ChanSubscriber{id: utils.GenerateID(), events: make(chan model.Event, buffer)}
}

func (s *ChanSubscriber) ID() string { return s.id }

// Events is closed by Close
func (s *ChanSubscriber) Events() <-chan model.Event { return s.events }

func (s *ChanSubscriber) Deliver(event model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSubscriberClosed
	}
	select {
	case s.events <- event:
		return nil
	default:
		return ErrSubscriberFull
	}
}

func (s *ChanSubscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}

// WSSubscriber streams events to a websocket client as JSON text frames. A
// dedicated writer goroutine owns all writes to the connection.
type WSSubscriber struct {
	*ChanSubscriber
	conn *websocket.Conn
	done chan struct{}

	WriteTimeout time.Duration
	PingInterval time.Duration
	ReadTimeout  time.Duration
}

func NewWSSubscriber(conn *websocket.Conn, buffer int) *WSSubscriber {
	return &WSSubscriber{
		ChanSubscriber: NewChanSubscriber(buffer),
		conn:           conn,
		done:           make(chan struct{}),
		WriteTimeout:   10 * time.Second,
		PingInterval:   30 * time.Second,
		ReadTimeout:    60 * time.Second,
	}
}

// Serve writes events until the client disconnects or the subscriber is
// closed. It blocks; the connection is closed on return.
func (w *WSSubscriber) Serve() {
	defer w.conn.Close()
	go w.readLoop()

	ticker := time.NewTicker(w.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.Events():
			if !ok {
				w.writeClose()
				return
			}
			if err := w.write(event); err != nil {
				utils.Debug("websocket write failed", map[string]any{"subscriber_id": w.ID(), "error": err.Error()})
				return
			}
		case <-ticker.C:
			w.conn.SetWriteDeadline(time.Now().Add(w.WriteTimeout))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Done is closed once the client has gone away
func (w *WSSubscriber) Done() <-chan struct{} { return w.done }

func (w *WSSubscriber) write(event model.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	w.conn.SetWriteDeadline(time.Now().Add(w.WriteTimeout))
	return w.conn.WriteMessage(websocket.TextMessage, payload)
}

func (w *WSSubscriber) writeClose() {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(w.WriteTimeout))
}

// readLoop discards client frames; it exists to process pongs and notice disconnects
func (w *WSSubscriber) readLoop() {
	defer close(w.done)
	w.conn.SetReadDeadline(time.Now().Add(w.ReadTimeout))
	w.conn.SetPongHandler(func(string) error {
		return w.conn.SetReadDeadline(time.Now().Add(w.ReadTimeout))
	})
	for {
		if _, _, err := w.conn.ReadMessage(); err != nil {
			return
		}
	}
}
