package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/strangelab/nodeagent/internal/backoff"
	"github.com/strangelab/nodeagent/internal/clock"
	"github.com/strangelab/nodeagent/internal/event"
	"github.com/strangelab/nodeagent/internal/locallog"
)

// collector is an httptest ingest endpoint that answers with a scripted
// sequence of status codes and records every body.
type collector struct {
	mu     sync.Mutex
	codes  []int
	bodies [][]byte
	ctype  []string
}

func (c *collector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	c.mu.Lock()
	c.bodies = append(c.bodies, body)
	c.ctype = append(c.ctype, r.Header.Get("Content-Type"))
	code := http.StatusOK
	if len(c.codes) > 0 {
		code = c.codes[0]
		c.codes = c.codes[1:]
	}
	c.mu.Unlock()
	w.WriteHeader(code)
}

func (c *collector) requests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

func zeroJitter() uint64 { return 0 }

type fixture struct {
	clk    *clock.Manual
	queue  *event.Queue
	sink   *locallog.Sink
	client *Client
	srv    *collector
}

func newFixture(t *testing.T, batch int, codes ...int) *fixture {
	t.Helper()
	col := &collector{codes: codes}
	ts := httptest.NewServer(col)
	t.Cleanup(ts.Close)

	tr, err := NewHTTPTransport(ts.URL+"/v1/ingest", 2*time.Second)
	require.NoError(t, err)

	f := &fixture{
		clk:   clock.NewManual(0),
		queue: event.NewQueue(300),
		sink:  locallog.New(zap.NewNop(), 50),
		srv:   col,
	}
	f.client = NewClient(f.queue, tr, f.sink, f.clk, Config{
		BatchSize:    batch,
		EmitInterval: time.Minute,
		Backoff:      backoff.Policy{Base: time.Second, Max: 30 * time.Second, Jitter: zeroJitter},
	}, zaptest.NewLogger(t))
	return f
}

func (f *fixture) push(t *testing.T, n int) {
	t.Helper()
	b := event.NewBuilder(1, "node-test", f.clk)
	for i := 0; i < n; i++ {
		raw, err := b.Build(event.TypeHeartbeat, map[string]int{"i": i})
		require.NoError(t, err)
		require.True(t, f.queue.Push(raw))
	}
}

func TestDrain_EmptyQueueIsNoop(t *testing.T) {
	f := newFixture(t, 1)
	res := f.client.Drain(context.Background(), true)
	assert.False(t, res.Attempted)
	assert.Equal(t, 0, f.srv.requests())
}

func TestDrain_SuccessPopsAndReportsOnce(t *testing.T) {
	f := newFixture(t, 1)
	f.push(t, 2)
	head := append([]byte(nil), f.queue.Front().JSON...)

	res := f.client.Drain(context.Background(), true)
	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 1, f.queue.Len())
	require.NotNil(t, res.OK, "first success reports")
	assert.Equal(t, 1, res.OK.BatchCount)

	f.srv.mu.Lock()
	assert.Equal(t, head, f.srv.bodies[0], "single entry sent as a bare object")
	assert.Equal(t, "application/json", f.srv.ctype[0])
	f.srv.mu.Unlock()

	f.clk.Advance(10 * time.Second)
	res = f.client.Drain(context.Background(), true)
	require.NoError(t, res.Err)
	assert.Nil(t, res.OK, "second success inside the window is quiet")
	assert.True(t, f.queue.Empty())

	f.push(t, 1)
	f.clk.Advance(time.Minute)
	res = f.client.Drain(context.Background(), true)
	assert.NotNil(t, res.OK, "window elapsed")

	st := f.client.Status()
	assert.Equal(t, uint64(3), st.OKCount)
	assert.True(t, st.LastOK)
	assert.Equal(t, 0, st.FailCount)
}

func TestDrain_BatchBodyIsArray(t *testing.T) {
	f := newFixture(t, 3)
	f.push(t, 5)

	res := f.client.Drain(context.Background(), true)
	require.NoError(t, res.Err)
	assert.Equal(t, 3, res.Sent)
	assert.Equal(t, 2, f.queue.Len())

	f.srv.mu.Lock()
	body := f.srv.bodies[0]
	f.srv.mu.Unlock()
	var arr []map[string]any
	require.NoError(t, json.Unmarshal(body, &arr))
	require.Len(t, arr, 3)
	for i, ev := range arr {
		assert.EqualValues(t, i+1, ev["seq"])
	}
}

func TestDrain_ServerErrorsBackOffThenRecover(t *testing.T) {
	f := newFixture(t, 1, 500, 500, 500, 200)
	f.push(t, 1)
	ctx := context.Background()

	var reported int
	wantNext := []uint64{1000, 3000, 7000}
	for i, next := range wantNext {
		res := f.client.Drain(ctx, true)
		require.Error(t, res.Err, "attempt %d", i)
		var se *StatusError
		require.ErrorAs(t, res.Err, &se)
		assert.Equal(t, 500, se.Code)
		if res.Failure != nil {
			reported++
			assert.Equal(t, "500", res.Failure.Err)
			assert.False(t, res.Failure.OK)
		}
		assert.Equal(t, 1, f.queue.Len(), "failed send leaves the queue unchanged")
		assert.Equal(t, next, f.client.NextSendAt())

		f.clk.Advance(500 * time.Millisecond)
		assert.False(t, f.client.Drain(ctx, true).Attempted, "no retry before the deadline")
		f.clk.Set(next)
	}
	assert.Equal(t, 1, reported, "identical error string reported once")
	assert.Equal(t, 3, f.client.FailCount())
	assert.Equal(t, uint64(1), f.sink.Written(), "entry logged locally once")

	res := f.client.Drain(ctx, true)
	require.NoError(t, res.Err)
	assert.True(t, f.queue.Empty())
	assert.Equal(t, 0, f.client.FailCount())
	require.NotNil(t, res.OK, "recovery after an error is reported")

	st := f.client.Status()
	assert.Equal(t, uint64(3), st.ErrCount)
	assert.Equal(t, uint64(1), st.OKCount)
	assert.Equal(t, "500", st.LastErr, "last error is kept for /health")
	assert.True(t, st.LastOK)
	assert.Equal(t, 4, f.srv.requests())
}

func TestDrain_FlappingErrorThrottledAcrossSuccess(t *testing.T) {
	f := newFixture(t, 1, 500, 200, 500, 200)
	f.push(t, 2)
	ctx := context.Background()

	res := f.client.Drain(ctx, true)
	require.NotNil(t, res.Failure, "first error is reported")
	f.clk.Set(f.client.NextSendAt())

	res = f.client.Drain(ctx, true)
	require.NoError(t, res.Err)
	require.NotNil(t, res.OK, "recovery is reported")

	f.clk.Advance(time.Second)
	res = f.client.Drain(ctx, true)
	require.Error(t, res.Err)
	assert.Nil(t, res.Failure, "same error inside the window stays quiet after a success")

	f.clk.Set(f.client.NextSendAt())
	res = f.client.Drain(ctx, true)
	require.NoError(t, res.Err)
	assert.NotNil(t, res.OK, "each recovery is reported")

	f.push(t, 1)
	f.srv.mu.Lock()
	f.srv.codes = []int{500}
	f.srv.mu.Unlock()
	f.clk.Advance(time.Minute)
	res = f.client.Drain(ctx, true)
	require.NotNil(t, res.Failure, "window elapsed")
	assert.Equal(t, uint64(3), f.client.Status().ErrCount)
}

func TestDrain_ErrorStringChangeReported(t *testing.T) {
	f := newFixture(t, 1, 500, 503)
	f.push(t, 1)

	res := f.client.Drain(context.Background(), true)
	require.NotNil(t, res.Failure)
	f.clk.Set(f.client.NextSendAt())

	res = f.client.Drain(context.Background(), true)
	require.NotNil(t, res.Failure)
	assert.Equal(t, "503", res.Failure.Err)
	assert.Equal(t, "503", f.client.Status().LastErr)
}

func TestDrain_OfflineLogsHeadOnce(t *testing.T) {
	f := newFixture(t, 1)
	f.push(t, 2)

	res := f.client.Drain(context.Background(), false)
	assert.ErrorIs(t, res.Err, ErrOffline)
	assert.False(t, res.Attempted)
	assert.Equal(t, uint64(1000), f.client.NextSendAt())
	assert.Equal(t, 1, f.client.FailCount())
	assert.True(t, f.queue.Front().Logged)
	assert.False(t, f.queue.At(1).Logged, "only the head is logged")

	f.clk.Set(1000)
	f.client.Drain(context.Background(), false)
	assert.Equal(t, uint64(1), f.sink.Written())
	assert.Equal(t, uint64(3000), f.client.NextSendAt())
	assert.Equal(t, 2, f.queue.Len())
	assert.Equal(t, 0, f.srv.requests())
}

func TestDrain_FailCountSaturates(t *testing.T) {
	f := newFixture(t, 1)
	f.push(t, 1)
	for i := 0; i < 10; i++ {
		f.clk.Set(f.client.NextSendAt())
		f.client.Drain(context.Background(), false)
	}
	assert.Equal(t, backoff.MaxFailures, f.client.FailCount())
}

func TestErrorString(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"status", &StatusError{Code: 500}, "500"},
		{"wrapped status", errors.Join(errors.New("x"), &StatusError{Code: 404}), "404"},
		{"deadline", context.DeadlineExceeded, "timeout"},
		{"publish timeout", errPublishTimeout, "timeout"},
		{"other", errors.New("connection refused"), "connection refused"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ErrorString(tt.err))
		})
	}
}

func TestNewHTTPTransport_RejectsBadURL(t *testing.T) {
	for _, raw := range []string{"", "ftp://x/y", "http://", "::"} {
		_, err := NewHTTPTransport(raw, time.Second)
		assert.Error(t, err, raw)
	}
}

func TestHTTPTransport_Timeout(t *testing.T) {
	block := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer ts.Close()
	defer close(block)

	tr, err := NewHTTPTransport(ts.URL, 50*time.Millisecond)
	require.NoError(t, err)
	err = tr.Send(context.Background(), []byte(`{}`))
	require.Error(t, err)
	assert.Equal(t, "timeout", ErrorString(err))
}
