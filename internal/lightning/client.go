package lightning

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/klingon-exchange/swapd/pkg/logging"
)

const (
	// maxPaymentAttempts bounds retries on transient path failures.
	maxPaymentAttempts = 3

	// retryDelay spaces payment attempts so the node can refresh its
	// mission control between tries.
	retryDelay = 2 * time.Second

	eventReconnectDelay = 5 * time.Second
	eventPongWait       = 60 * time.Second
	eventPingPeriod     = 50 * time.Second
)

// Config holds the connection settings for the Lightning node.
type Config struct {
	URL       string `yaml:"url"`
	StreamURL string `yaml:"stream_url"`
	Macaroon  string `yaml:"macaroon,omitempty"`

	// Timeout bounds every RPC call, in seconds. Default 30.
	Timeout int `yaml:"timeout,omitempty"`
}

// JSONRPCClient implements Client against the node's JSON-RPC port plus a
// websocket event stream.
type JSONRPCClient struct {
	rpcURL     string
	streamURL  string
	macaroon   string
	httpClient *http.Client
	log        *logging.Logger
	requestID  atomic.Uint64

	events chan Event

	mu        sync.RWMutex
	connected bool

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewJSONRPCClient creates a client for the configured node.
func NewJSONRPCClient(cfg *Config, log *logging.Logger) *JSONRPCClient {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if log == nil {
		log = logging.GetDefault()
	}

	return &JSONRPCClient{
		rpcURL:    cfg.URL,
		streamURL: cfg.StreamURL,
		macaroon:  cfg.Macaroon,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log:    log.Component("lightning"),
		events: make(chan Event, 64),
		quit:   make(chan struct{}),
	}
}

// Connect validates the node with getinfo and starts the event stream.
func (c *JSONRPCClient) Connect(ctx context.Context) error {
	if _, err := c.call(ctx, "getinfo", map[string]interface{}{}); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	if c.streamURL != "" {
		c.wg.Add(1)
		go c.eventLoop()
	}

	return nil
}

// Ping checks the node is reachable without touching connection state.
// Used as a liveness probe.
func (c *JSONRPCClient) Ping(ctx context.Context) error {
	_, err := c.call(ctx, "getinfo", map[string]interface{}{})
	return err
}

// Close stops the event stream.
func (c *JSONRPCClient) Close() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	c.mu.Unlock()

	close(c.quit)
	c.wg.Wait()
	return nil
}

// Events returns the invoice lifecycle event channel.
func (c *JSONRPCClient) Events() <-chan Event {
	return c.events
}

// PayInvoice pays an invoice, retrying transient failures up to
// maxPaymentAttempts. The context and timeout bound the whole sequence;
// terminal failures return a *PaymentError without further retries.
func (c *JSONRPCClient) PayInvoice(ctx context.Context, bolt11 string, timeout time.Duration) (*PaymentResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	label := uuid.NewString()

	var lastErr error
	for attempt := 1; attempt <= maxPaymentAttempts; attempt++ {
		result, err := c.call(ctx, "payinvoice", map[string]interface{}{
			"invoice":         bolt11,
			"timeout_seconds": int(timeout.Seconds()),
			"label":           fmt.Sprintf("%s-%d", label, attempt),
		})
		if err == nil {
			var payment struct {
				Preimage string `json:"preimage"`
				FeeMsat  uint64 `json:"fee_msat"`
			}
			if err := json.Unmarshal(result, &payment); err != nil {
				return nil, fmt.Errorf("failed to parse payment result: %w", err)
			}

			preimage, err := hex.DecodeString(payment.Preimage)
			if err != nil {
				return nil, fmt.Errorf("invalid preimage in payment result: %w", err)
			}

			return &PaymentResult{
				Preimage:       preimage,
				RoutingFeeMsat: payment.FeeMsat,
			}, nil
		}

		if paymentErr := classifyPaymentError(err); paymentErr != nil {
			return nil, paymentErr
		}

		lastErr = err
		c.log.Warn("Payment attempt failed",
			"attempt", attempt, "max", maxPaymentAttempts, "error", err)

		if attempt == maxPaymentAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return nil, &PaymentError{Kind: FailureTimeout, Message: ctx.Err().Error()}
		case <-time.After(retryDelay):
		}
	}

	return nil, fmt.Errorf("payment failed after %d attempts: %w", maxPaymentAttempts, lastErr)
}

// AddHoldInvoice creates a hold invoice committing to the given hash.
func (c *JSONRPCClient) AddHoldInvoice(ctx context.Context, preimageHash []byte, amountMsat uint64, expiry time.Duration, memo string) (string, error) {
	result, err := c.call(ctx, "addholdinvoice", map[string]interface{}{
		"hash":        hex.EncodeToString(preimageHash),
		"amount_msat": amountMsat,
		"expiry":      int(expiry.Seconds()),
		"memo":        memo,
		"label":       uuid.NewString(),
	})
	if err != nil {
		return "", err
	}

	var invoice struct {
		Bolt11 string `json:"bolt11"`
	}
	if err := json.Unmarshal(result, &invoice); err != nil {
		return "", err
	}

	return invoice.Bolt11, nil
}

// SettleInvoice releases the preimage of a paid hold invoice.
func (c *JSONRPCClient) SettleInvoice(ctx context.Context, preimage []byte) error {
	_, err := c.call(ctx, "settleinvoice", map[string]interface{}{
		"preimage": hex.EncodeToString(preimage),
	})
	return err
}

// CancelInvoice cancels a hold invoice, returning any locked HTLCs.
func (c *JSONRPCClient) CancelInvoice(ctx context.Context, preimageHash []byte) error {
	_, err := c.call(ctx, "cancelinvoice", map[string]interface{}{
		"hash": hex.EncodeToString(preimageHash),
	})
	return err
}

// TrackInvoice re-subscribes to a hold invoice after a restart, so its
// events replay on the stream.
func (c *JSONRPCClient) TrackInvoice(ctx context.Context, preimageHash []byte) error {
	_, err := c.call(ctx, "trackinvoice", map[string]interface{}{
		"hash": hex.EncodeToString(preimageHash),
	})
	return err
}

// DecodeInvoice decodes a payment request through the node.
func (c *JSONRPCClient) DecodeInvoice(ctx context.Context, bolt11 string) (*InvoiceDetails, error) {
	result, err := c.call(ctx, "decodeinvoice", map[string]interface{}{
		"invoice": bolt11,
	})
	if err != nil {
		return nil, err
	}

	var decoded struct {
		PaymentHash string `json:"payment_hash"`
		AmountMsat  uint64 `json:"amount_msat"`
		Timestamp   int64  `json:"timestamp"`
		Expiry      int64  `json:"expiry"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(result, &decoded); err != nil {
		return nil, err
	}

	hash, err := hex.DecodeString(decoded.PaymentHash)
	if err != nil {
		return nil, fmt.Errorf("invalid payment hash in invoice: %w", err)
	}

	return &InvoiceDetails{
		PreimageHash: hash,
		AmountMsat:   decoded.AmountMsat,
		Expiry:       time.Unix(decoded.Timestamp+decoded.Expiry, 0),
		Memo:         decoded.Description,
	}, nil
}

// classifyPaymentError maps a node error to a terminal PaymentError, or nil
// when the failure is transient and worth retrying.
func classifyPaymentError(err error) *PaymentError {
	msg := err.Error()
	for _, kind := range []PaymentFailureKind{
		FailureNoRoute,
		FailureTimeout,
		FailureAlreadyPaid,
		FailureIncorrectDetails,
	} {
		if strings.Contains(msg, string(kind)) {
			return &PaymentError{Kind: kind, Message: msg}
		}
	}
	return nil
}

func (c *JSONRPCClient) call(ctx context.Context, method string, params map[string]interface{}) (json.RawMessage, error) {
	id := c.requestID.Add(1)

	request := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	}

	data, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.rpcURL, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	if c.macaroon != "" {
		req.Header.Set("Grpc-Metadata-Macaroon", c.macaroon)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var response struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}

	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if response.Error != nil {
		return nil, fmt.Errorf("lightning RPC error %d: %s", response.Error.Code, response.Error.Message)
	}

	return response.Result, nil
}

// wireEvent is the stream frame layout.
type wireEvent struct {
	Type         string `json:"type"`
	PreimageHash string `json:"preimage_hash,omitempty"`
	Preimage     string `json:"preimage,omitempty"`
	AmountMsat   uint64 `json:"amount_msat,omitempty"`
	Expiry       uint32 `json:"expiry,omitempty"`
	Reason       string `json:"reason,omitempty"`
	Backup       string `json:"backup,omitempty"`
}

// eventLoop keeps a websocket subscription to the node's event stream,
// redialing on drops until Close.
func (c *JSONRPCClient) eventLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.quit:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(c.streamURL, nil)
		if err != nil {
			c.log.Warn("Event stream dial failed", "error", err)
			select {
			case <-c.quit:
				return
			case <-time.After(eventReconnectDelay):
			}
			continue
		}

		c.readEvents(conn)
		conn.Close()
	}
}

func (c *JSONRPCClient) readEvents(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(eventPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(eventPongWait))
		return nil
	})

	done := make(chan struct{})
	defer close(done)

	// Keepalive pings on a side goroutine, like the node expects.
	go func() {
		pings := time.NewTicker(eventPingPeriod)
		defer pings.Stop()
		for {
			select {
			case <-done:
				return
			case <-c.quit:
				conn.Close()
				return
			case <-pings.C:
				conn.WriteMessage(websocket.PingMessage, nil)
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.quit:
			default:
				c.log.Warn("Event stream dropped", "error", err)
			}
			return
		}

		var frame wireEvent
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.log.Warn("Discarding malformed event frame", "error", err)
			continue
		}

		event, err := decodeEvent(frame)
		if err != nil {
			c.log.Warn("Discarding invalid event", "type", frame.Type, "error", err)
			continue
		}

		select {
		case c.events <- event:
		case <-c.quit:
			return
		}
	}
}

func decodeEvent(frame wireEvent) (Event, error) {
	event := Event{
		Type:       EventType(frame.Type),
		AmountMsat: frame.AmountMsat,
		Expiry:     frame.Expiry,
		Reason:     frame.Reason,
	}

	var err error
	if frame.PreimageHash != "" {
		if event.PreimageHash, err = hex.DecodeString(frame.PreimageHash); err != nil {
			return Event{}, fmt.Errorf("invalid preimage hash: %w", err)
		}
	}
	if frame.Preimage != "" {
		if event.Preimage, err = hex.DecodeString(frame.Preimage); err != nil {
			return Event{}, fmt.Errorf("invalid preimage: %w", err)
		}
	}
	if frame.Backup != "" {
		if event.Backup, err = hex.DecodeString(frame.Backup); err != nil {
			return Event{}, fmt.Errorf("invalid backup payload: %w", err)
		}
	}

	return event, nil
}

// Ensure JSONRPCClient implements Client
var _ Client = (*JSONRPCClient)(nil)
