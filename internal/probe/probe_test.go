package probe

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestParseRequest(t *testing.T) {
	tests := []struct {
		name string
		body string
		want Request
	}{
		{"empty", "", DefaultRequest()},
		{"not json", "dns please", DefaultRequest()},
		{"array", "[true]", DefaultRequest()},
		{"bools", `{"dns":false,"http_ingest":true,"http_self":true,"emit":false}`,
			Request{DNS: false, HTTPIngest: true, HTTPSelf: true, Emit: false}},
		{"numbers", `{"dns":0,"ping":1}`,
			Request{DNS: false, HTTPIngest: true, Ping: true, Emit: true}},
		{"strings", `{"http_ingest":"false","http_self":"TRUE"}`,
			Request{DNS: true, HTTPIngest: false, HTTPSelf: true, Emit: true}},
		{"garbage value keeps default", `{"dns":"maybe","emit":null}`, DefaultRequest()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseRequest([]byte(tt.body)))
		})
	}
}

func TestIngestURLs(t *testing.T) {
	p := New(Config{IngestURL: "http://pi-logger.local:8088/v1/ingest"}, zaptest.NewLogger(t))
	assert.Equal(t, "pi-logger.local", p.IngestHost())
	assert.Equal(t, "http://pi-logger.local:8088/health", p.IngestHealthURL())
}

func TestRun_IngestReachable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	p := New(Config{IngestURL: ts.URL + "/v1/ingest", HTTPTimeout: time.Second}, zaptest.NewLogger(t))
	res := p.Run(context.Background(), Request{DNS: true, HTTPIngest: true, HTTPSelf: true, Emit: true}, ts.URL+"/missing")

	require.NotNil(t, res.DNS)
	assert.True(t, res.DNS.OK)
	assert.Equal(t, "127.0.0.1", res.DNS.IP)

	require.NotNil(t, res.HTTPIngest)
	assert.True(t, res.HTTPIngest.OK)
	assert.Equal(t, 200, res.HTTPIngest.Code)

	require.NotNil(t, res.HTTPSelf)
	assert.Equal(t, 404, res.HTTPSelf.Code)
	assert.True(t, res.HTTPSelf.OK, "4xx still proves reachability")

	assert.Nil(t, res.Ping)

	netData, ok := res.NetEvent()
	require.True(t, ok)
	raw, err := json.Marshal(netData)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"host":"127.0.0.1"`)
	assert.NotContains(t, string(raw), `"ping"`)

	httpData, ok := res.HTTPEvent()
	require.True(t, ok)
	raw, err = json.Marshal(httpData)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"ingest":{`)
	assert.Contains(t, string(raw), `"self":{`)
}

func TestRun_ServerErrorIsNotOK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	p := New(Config{IngestURL: ts.URL}, zaptest.NewLogger(t))
	res := p.Run(context.Background(), Request{HTTPIngest: true}, "")
	require.NotNil(t, res.HTTPIngest)
	assert.False(t, res.HTTPIngest.OK)
	assert.Equal(t, 502, res.HTTPIngest.Code)

	_, ok := res.NetEvent()
	assert.False(t, ok)
}

func TestRun_Unreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	p := New(Config{IngestURL: url, HTTPTimeout: 200 * time.Millisecond}, zaptest.NewLogger(t))
	res := p.Run(context.Background(), Request{HTTPIngest: true}, "")
	require.NotNil(t, res.HTTPIngest)
	assert.False(t, res.HTTPIngest.OK)
	assert.Zero(t, res.HTTPIngest.Code)
	assert.NotEmpty(t, res.HTTPIngest.Err)
}

func TestRun_PingUsesIngestHost(t *testing.T) {
	p := New(Config{IngestURL: "http://collector.lan:8088/v1/ingest"}, zaptest.NewLogger(t))
	var got string
	p.ping = func(_ context.Context, host string) PingResult {
		got = host
		return PingResult{Host: host, OK: true, Sent: 3, Recv: 3, Ms: 4}
	}

	res := p.Run(context.Background(), Request{Ping: true}, "")
	assert.Equal(t, "collector.lan", got)
	require.NotNil(t, res.Ping)
	assert.True(t, res.Ping.OK)

	netData, ok := res.NetEvent()
	require.True(t, ok)
	raw, err := json.Marshal(netData)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ping":{"host":"collector.lan","ok":true,"ms":4,"sent":3,"recv":3}}`, string(raw))
}

func TestRequest_Any(t *testing.T) {
	assert.True(t, DefaultRequest().Any())
	assert.False(t, Request{Emit: true}.Any())
}
