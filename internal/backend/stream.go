package backend

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/klingon-exchange/swapd/pkg/logging"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = 50 * time.Second

	// reconnectDelay paces redial attempts after a dropped connection.
	reconnectDelay = 5 * time.Second
)

// Stream consumes the node's websocket notification channel and hands every
// frame to a handler. A dropped connection is redialed until Stop; each
// successful redial fires the reconnect hook so the observer can rescan the
// blocks it may have missed.
type Stream struct {
	url     string
	handler func(Notification)
	log     *logging.Logger

	// onReconnect runs after every reconnection, not after the first dial.
	onReconnect func()

	pingTicker ticker.Ticker

	quit chan struct{}
	wg   sync.WaitGroup

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewStream creates a stream for one node. The handler runs on the stream's
// reader goroutine and must not block; the observer feeds an unbounded queue.
func NewStream(url string, handler func(Notification), log *logging.Logger) *Stream {
	return &Stream{
		url:        url,
		handler:    handler,
		log:        log,
		pingTicker: ticker.New(streamPingPeriod),
		quit:       make(chan struct{}),
	}
}

// SetReconnectHook installs the function run after every reconnection. Must
// be called before Start.
func (s *Stream) SetReconnectHook(fn func()) {
	s.onReconnect = fn
}

// Start dials the node and launches the reader and ping loops. The first
// dial must succeed; later drops are retried internally.
func (s *Stream) Start() error {
	conn, err := s.dial()
	if err != nil {
		return fmt.Errorf("failed to connect notification stream: %w", err)
	}
	s.setConn(conn)

	s.wg.Add(2)
	go s.readLoop()
	go s.pingLoop()

	s.log.Info("Notification stream connected", "url", s.url)
	return nil
}

// Stop closes the connection and waits for the loops to exit.
func (s *Stream) Stop() {
	close(s.quit)

	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.pingTicker.Stop()
}

func (s *Stream) dial() (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	if err != nil {
		return nil, err
	}

	conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(streamPongWait))
		return nil
	})

	return conn, nil
}

func (s *Stream) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
}

func (s *Stream) getConn() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// readLoop decodes frames and dispatches them. On error it redials until
// Stop, then replays the reconnect hook.
func (s *Stream) readLoop() {
	defer s.wg.Done()

	for {
		conn := s.getConn()
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}

			s.log.Warn("Notification stream dropped", "error", err)
			if !s.reconnect() {
				return
			}
			continue
		}

		var notification Notification
		if err := json.Unmarshal(raw, &notification); err != nil {
			s.log.Warn("Discarding malformed notification", "error", err)
			continue
		}

		s.handler(notification)
	}
}

// reconnect redials until it succeeds or the stream is stopped. Returns
// false when stopped.
func (s *Stream) reconnect() bool {
	for {
		select {
		case <-s.quit:
			return false
		case <-time.After(reconnectDelay):
		}

		conn, err := s.dial()
		if err != nil {
			s.log.Warn("Stream reconnect failed", "url", s.url, "error", err)
			continue
		}

		s.setConn(conn)
		s.log.Info("Notification stream reconnected", "url", s.url)

		if s.onReconnect != nil {
			s.onReconnect()
		}
		return true
	}
}

// pingLoop keeps the connection alive the way the node expects.
func (s *Stream) pingLoop() {
	defer s.wg.Done()

	s.pingTicker.Resume()
	defer s.pingTicker.Pause()

	for {
		select {
		case <-s.quit:
			return
		case <-s.pingTicker.Ticks():
			conn := s.getConn()
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.log.Debug("Stream ping failed", "error", err)
			}
		}
	}
}
