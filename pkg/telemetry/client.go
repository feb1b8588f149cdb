package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/edgewarden/edgewarden/pkg/circuit"
	"github.com/edgewarden/edgewarden/pkg/logging"
	"github.com/edgewarden/edgewarden/pkg/metrics"
	"github.com/edgewarden/edgewarden/pkg/retry"
)

// FlushBatchSize is the number of buffered payloads drained per flush tick.
const FlushBatchSize = 10

// SendFunc delivers one payload to the collector. Returning an error marks
// the attempt as a transient delivery failure.
type SendFunc func(Payload) error

// Config configures a telemetry client.
type Config struct {
	DeviceID      string
	Endpoint      string
	FlushInterval time.Duration

	CircuitFailureThreshold int
	CircuitSuccessThreshold int
	CircuitTimeout          time.Duration

	RetryMaxAttempts  int
	RetryInitialDelay time.Duration

	// SendFn overrides the transport (tests, alternative protocols).
	SendFn SendFunc
}

// Client ships telemetry through a circuit-breaker-guarded send path with
// store-and-forward buffering. Delivery is at-least-once; buffered payloads
// are drained oldest first.
type Client struct {
	deviceID string
	endpoint string

	buffer   *Buffer
	breaker  *circuit.Breaker
	metrics  *metrics.Collector
	retryCfg retry.Config
	sendFn   SendFunc
	logger   *logging.Logger

	flushInterval time.Duration

	// Lifecycle state, owned by the single goroutine that calls
	// Start/Stop; not safe for concurrent lifecycle calls.
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// NewClient creates a telemetry client owning the given buffer.
func NewClient(cfg Config, buffer *Buffer, sink *metrics.Collector, logger *logging.Logger) *Client {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 30 * time.Second
	}
	if cfg.RetryMaxAttempts <= 0 {
		cfg.RetryMaxAttempts = 3
	}
	if cfg.RetryInitialDelay <= 0 {
		cfg.RetryInitialDelay = 2 * time.Second
	}

	c := &Client{
		deviceID: cfg.DeviceID,
		endpoint: cfg.Endpoint,
		buffer:   buffer,
		metrics:  sink,
		logger:   logger,
		breaker: circuit.NewBreaker(circuit.Config{
			Name:             "telemetry-" + cfg.DeviceID,
			FailureThreshold: cfg.CircuitFailureThreshold,
			SuccessThreshold: cfg.CircuitSuccessThreshold,
			Timeout:          cfg.CircuitTimeout,
		}),
		retryCfg: retry.Config{
			MaxAttempts:    cfg.RetryMaxAttempts,
			InitialBackoff: cfg.RetryInitialDelay,
			MaxBackoff:     5 * time.Minute,
			Multiplier:     2.0,
		},
		flushInterval: cfg.FlushInterval,
	}

	c.sendFn = cfg.SendFn
	if c.sendFn == nil {
		c.sendFn = c.defaultSend
	}
	return c
}

// defaultSend is the placeholder transport: it logs the delivery and
// succeeds. Production deployments inject a real SendFn.
func (c *Client) defaultSend(p Payload) error {
	c.logger.Info("Sending telemetry", map[string]interface{}{
		"endpoint":   c.endpoint,
		"device_id":  p.DeviceID,
		"payload_id": p.PayloadID,
	})
	return nil
}

// CircuitState returns the breaker state.
func (c *Client) CircuitState() circuit.State {
	return c.breaker.State()
}

// BufferedCount returns the number of payloads waiting in the buffer.
func (c *Client) BufferedCount() int {
	return c.buffer.Count()
}

// sendWithRetry attempts delivery with exponential backoff. Every transient
// failure is reported to the breaker; a circuit-open refusal aborts the
// remaining attempts immediately.
func (c *Client) sendWithRetry(p Payload) error {
	attempt := 0
	return retry.Do(context.Background(), c.retryCfg, func() error {
		attempt++
		if !c.breaker.Allow() {
			return retry.Permanent(c.breaker.ErrOpen())
		}

		if err := c.sendFn(p); err != nil {
			c.breaker.RecordFailure(err)
			c.logger.Info("Telemetry attempt failed", map[string]interface{}{
				"attempt":    attempt,
				"max":        c.retryCfg.MaxAttempts,
				"payload_id": p.PayloadID,
				"error":      err.Error(),
			})
			return err
		}

		c.breaker.RecordSuccess()
		return nil
	})
}

// Send wraps data in a payload and attempts delivery. It returns true on
// successful transmission and false when the payload was persisted to the
// local buffer instead (circuit open, or all retries exhausted). A false
// return is store-and-forward, not necessarily an error.
func (c *Client) Send(data map[string]interface{}) bool {
	payload := NewPayload(c.deviceID, data)

	err := c.sendWithRetry(payload)
	if err == nil {
		c.metrics.Increment("telemetry_sent_ok")
		return true
	}

	var openErr *circuit.OpenError
	if errors.As(err, &openErr) {
		c.storeLocally(payload)
		c.metrics.Increment("telemetry_circuit_open")
		c.logger.Warn("Circuit open, telemetry buffered", map[string]interface{}{
			"payload_id": payload.PayloadID,
		})
		return false
	}

	c.storeLocally(payload)
	c.metrics.Increment("telemetry_send_failed")
	c.logger.Error("Telemetry delivery failed, payload buffered", map[string]interface{}{
		"payload_id": payload.PayloadID,
		"error":      err.Error(),
	})
	return false
}

// storeLocally persists a payload, best effort: persistence errors are
// logged and swallowed so buffering can never crash the sender.
func (c *Client) storeLocally(p Payload) {
	if err := c.buffer.Insert(p); err != nil {
		c.logger.Error("Failed to buffer payload", map[string]interface{}{
			"payload_id": p.PayloadID,
			"error":      err.Error(),
		})
		return
	}
	c.metrics.Increment("telemetry_buffered")
}

// FlushOnce drains up to FlushBatchSize buffered payloads, oldest first.
// The whole pass is skipped while the breaker is open, and a circuit
// re-opening mid-batch stops the batch; remaining records stay buffered.
// Returns the number of payloads delivered.
func (c *Client) FlushOnce() int {
	if c.breaker.State() == circuit.StateOpen {
		c.logger.Debug("Flush skipped: circuit still open")
		return 0
	}

	records, err := c.buffer.OldestBatch(FlushBatchSize)
	if err != nil {
		c.logger.Error("Failed to read buffer for flush", map[string]interface{}{
			"error": err.Error(),
		})
		return 0
	}

	flushed := 0
	for _, rec := range records {
		err := c.sendWithRetry(rec.Payload)
		if err == nil {
			if delErr := c.buffer.Delete(rec.ID); delErr != nil {
				c.logger.Error("Failed to remove flushed record", map[string]interface{}{
					"record_id": rec.ID,
					"error":     delErr.Error(),
				})
				continue
			}
			flushed++
			c.metrics.Increment("telemetry_flushed")
			continue
		}

		var openErr *circuit.OpenError
		if errors.As(err, &openErr) {
			c.logger.Debug("Circuit opened during flush, stopping batch")
			break
		}

		// Record stays in place for the next tick, never silently dropped.
		c.logger.Error("Failed to resend buffered payload", map[string]interface{}{
			"record_id": rec.ID,
			"error":     err.Error(),
		})
	}

	if flushed > 0 {
		c.logger.Info("Flush complete", map[string]interface{}{"flushed": flushed})
	}
	return flushed
}

func (c *Client) flushLoop() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if buffered := c.buffer.Count(); buffered > 0 {
				c.logger.Info("Flush loop: retrying buffered payloads", map[string]interface{}{
					"buffered": buffered,
				})
				c.FlushOnce()
			}
		}
	}
}

// Start launches the periodic flush loop.
func (c *Client) Start() {
	if c.running {
		c.logger.Warn("Telemetry client already running")
		return
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	go c.flushLoop()

	c.logger.Info("Telemetry client started", map[string]interface{}{
		"device_id":      c.deviceID,
		"flush_interval": c.flushInterval.String(),
		"buffer":         c.buffer.Path(),
	})
}

// Stop halts the flush loop (bounded wait) and closes the buffer.
func (c *Client) Stop() {
	if c.running {
		c.running = false
		close(c.stopCh)
		select {
		case <-c.doneCh:
		case <-time.After(c.flushInterval + 2*time.Second):
			c.logger.Warn("Flush loop did not stop within grace period")
		}
	}

	if err := c.buffer.Close(); err != nil {
		c.logger.Error("Failed to close telemetry buffer", map[string]interface{}{
			"error": err.Error(),
		})
	}
	c.logger.Info("Telemetry client stopped")
}

// Counters are the delivery accounting numbers.
type Counters struct {
	SentOK      int64 `json:"sent_ok"`
	SendFailed  int64 `json:"send_failed"`
	CircuitOpen int64 `json:"circuit_open"`
	Buffered    int64 `json:"buffered"`
	Flushed     int64 `json:"flushed"`
}

// Stats is a point-in-time view of the client.
type Stats struct {
	DeviceID         string   `json:"device_id"`
	Endpoint         string   `json:"endpoint"`
	CircuitState     string   `json:"circuit_state"`
	BufferedPayloads int      `json:"buffered_payloads"`
	BufferPath       string   `json:"buffer_path"`
	Counters         Counters `json:"counters"`
}

// Stats returns delivery statistics.
func (c *Client) Stats() Stats {
	return Stats{
		DeviceID:         c.deviceID,
		Endpoint:         c.endpoint,
		CircuitState:     string(c.breaker.State()),
		BufferedPayloads: c.buffer.Count(),
		BufferPath:       c.buffer.Path(),
		Counters: Counters{
			SentOK:      c.metrics.Counter("telemetry_sent_ok"),
			SendFailed:  c.metrics.Counter("telemetry_send_failed"),
			CircuitOpen: c.metrics.Counter("telemetry_circuit_open"),
			Buffered:    c.metrics.Counter("telemetry_buffered"),
			Flushed:     c.metrics.Counter("telemetry_flushed"),
		},
	}
}
