// Package ingest drains the event queue to the collector with bounded
// retries, jittered exponential backoff and throttled self-reporting.
package ingest

import (
	"bytes"
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/strangelab/nodeagent/internal/backoff"
	"github.com/strangelab/nodeagent/internal/clock"
	"github.com/strangelab/nodeagent/internal/event"
	"github.com/strangelab/nodeagent/internal/locallog"
)

// Config tunes the drain behaviour.
type Config struct {
	BatchSize    int
	EmitInterval time.Duration
	Backoff      backoff.Policy
}

// OKData is the payload of an ingest.ok event.
type OKData struct {
	OK         bool   `json:"ok"`
	BatchCount int    `json:"batch_count"`
	Ms         uint64 `json:"ms"`
}

// ErrData is the payload of an ingest.err event.
type ErrData struct {
	OK  bool   `json:"ok"`
	Err string `json:"err"`
	Ms  uint64 `json:"ms"`
}

// Result reports what one Drain call did. OK or Failure is set only when
// the caller should emit the matching ingest event.
type Result struct {
	Attempted bool
	Sent      int
	Err       error
	OK        *OKData
	Failure   *ErrData
}

// Status is the /health view of the client.
type Status struct {
	URL        string `json:"url"`
	OKCount    uint64 `json:"ok_count"`
	ErrCount   uint64 `json:"err_count"`
	LastOK     bool   `json:"last_ok"`
	LastOKMs   uint64 `json:"last_ok_ms"`
	LastErrMs  uint64 `json:"last_err_ms"`
	LastErr    string `json:"last_err"`
	FailCount  int    `json:"fail_count"`
	NextSendMs uint64 `json:"next_send_ms"`
}

// Client owns delivery state. It is driven from the node loop and is not
// safe for concurrent use.
type Client struct {
	queue     *event.Queue
	transport Transport
	sink      *locallog.Sink
	clk       clock.Clock
	cfg       Config
	logger    *zap.Logger

	failCount  int
	nextSendAt uint64
	failing    bool

	okCount   uint64
	errCount  uint64
	lastOKMs  uint64
	lastErrMs uint64
	// lastErr survives successes so a flapping endpoint repeating the same
	// error stays throttled by time alone.
	lastErr string

	okEventMs  uint64
	okEmitted  bool
	errEventMs uint64
	errEmitted bool
}

// NewClient wires a client to the queue it drains.
func NewClient(q *event.Queue, t Transport, sink *locallog.Sink, clk clock.Clock, cfg Config, logger *zap.Logger) *Client {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.EmitInterval <= 0 {
		cfg.EmitInterval = time.Minute
	}
	return &Client{
		queue:     q,
		transport: t,
		sink:      sink,
		clk:       clk,
		cfg:       cfg,
		logger:    logger,
	}
}

// Drain makes at most one delivery attempt. It does nothing while the queue
// is empty or the backoff deadline has not passed. When online is false the
// head entry is written to the local log once and the client backs off.
func (c *Client) Drain(ctx context.Context, online bool) Result {
	if c.queue.Empty() {
		return Result{}
	}
	now := c.clk.NowMs()
	if now < c.nextSendAt {
		return Result{}
	}

	if !online {
		c.logBatch(now, 1)
		c.nextSendAt = now + c.cfg.Backoff.Delay(c.failCount)
		c.failCount = backoff.Bump(c.failCount)
		return Result{Err: ErrOffline}
	}

	batch := min(c.queue.Len(), c.cfg.BatchSize)
	body := c.body(batch)

	start := c.clk.NowMs()
	err := c.transport.Send(ctx, body)
	end := c.clk.NowMs()
	ms := end - start

	if err == nil {
		return c.onSuccess(end, batch, ms)
	}
	return c.onFailure(end, batch, ms, err)
}

func (c *Client) onSuccess(now uint64, batch int, ms uint64) Result {
	for i := 0; i < batch; i++ {
		c.queue.Pop()
	}
	recovered := c.failing
	c.failing = false
	c.failCount = 0
	c.okCount++
	c.lastOKMs = now

	res := Result{Attempted: true, Sent: batch}
	if recovered || !c.okEmitted || now-c.okEventMs >= durMs(c.cfg.EmitInterval) {
		c.okEmitted = true
		c.okEventMs = now
		res.OK = &OKData{OK: true, BatchCount: batch, Ms: ms}
	}
	return res
}

func (c *Client) onFailure(now uint64, batch int, ms uint64, err error) Result {
	c.logBatch(now, batch)
	delay := c.cfg.Backoff.Delay(c.failCount)
	c.failCount = backoff.Bump(c.failCount)
	c.nextSendAt = now + delay
	c.errCount++

	msg := ErrorString(err)
	prevErr := c.lastErr
	c.failing = true
	c.lastErr = msg
	c.lastErrMs = now

	c.logger.Warn("ingest send failed",
		zap.String("target", c.transport.Target()),
		zap.String("err", msg),
		zap.Int("batch", batch),
		zap.Int("fail_count", c.failCount),
		zap.Uint64("retry_in_ms", delay),
	)

	res := Result{Attempted: true, Err: err}
	if prevErr != msg || !c.errEmitted || now-c.errEventMs >= durMs(c.cfg.EmitInterval) {
		c.errEmitted = true
		c.errEventMs = now
		res.Failure = &ErrData{OK: false, Err: msg, Ms: ms}
	}
	return res
}

// logBatch writes the first n queue entries to the local log, skipping
// entries that were already written.
func (c *Client) logBatch(now uint64, n int) {
	if c.sink == nil {
		return
	}
	for i := 0; i < n; i++ {
		e := c.queue.At(i)
		if e == nil {
			return
		}
		if !e.Logged {
			c.sink.Write(now, e.JSON)
			e.Logged = true
		}
	}
}

func (c *Client) body(batch int) []byte {
	if batch <= 1 {
		return c.queue.Front().JSON
	}
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i := 0; i < batch; i++ {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(c.queue.At(i).JSON)
	}
	buf.WriteByte(']')
	return buf.Bytes()
}

// Status snapshots counters for /health and /metrics.
func (c *Client) Status() Status {
	return Status{
		URL:        c.transport.Target(),
		OKCount:    c.okCount,
		ErrCount:   c.errCount,
		LastOK:     c.lastOKMs > 0 && c.lastOKMs >= c.lastErrMs,
		LastOKMs:   c.lastOKMs,
		LastErrMs:  c.lastErrMs,
		LastErr:    c.lastErr,
		FailCount:  c.failCount,
		NextSendMs: c.nextSendAt,
	}
}

func (c *Client) FailCount() int       { return c.failCount }
func (c *Client) NextSendAt() uint64   { return c.nextSendAt }
func (c *Client) BatchSize() int       { return c.cfg.BatchSize }
func (c *Client) Transport() Transport { return c.transport }

func durMs(d time.Duration) uint64 { return uint64(d / time.Millisecond) }
