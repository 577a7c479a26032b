// Package probe runs on-demand connectivity checks against the ingest
// collector and the node itself.
package probe

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"runtime"
	"time"

	probing "github.com/prometheus-community/pro-bing"
	"go.uber.org/zap"
)

// DNSResult is the outcome of resolving the ingest host.
type DNSResult struct {
	Host string `json:"host"`
	OK   bool   `json:"ok"`
	Ms   uint64 `json:"ms"`
	IP   string `json:"ip"`
	Err  string `json:"err,omitempty"`
}

// HTTPResult is the outcome of one GET. Code is 0 when no response arrived.
type HTTPResult struct {
	URL  string `json:"url"`
	Code int    `json:"code"`
	OK   bool   `json:"ok"`
	Ms   uint64 `json:"ms"`
	Err  string `json:"err,omitempty"`
}

// PingResult is the outcome of an ICMP echo run.
type PingResult struct {
	Host string `json:"host"`
	OK   bool   `json:"ok"`
	Ms   uint64 `json:"ms"`
	Sent int    `json:"sent"`
	Recv int    `json:"recv"`
	Err  string `json:"err,omitempty"`
}

// Result is the response body of POST /probe.
type Result struct {
	DNS        *DNSResult  `json:"dns,omitempty"`
	HTTPIngest *HTTPResult `json:"http_ingest,omitempty"`
	HTTPSelf   *HTTPResult `json:"http_self,omitempty"`
	Ping       *PingResult `json:"ping,omitempty"`
}

// NetData is the payload of a probe.net event.
type NetData struct {
	*DNSResult
	Ping *PingResult `json:"ping,omitempty"`
}

// HTTPData is the payload of a probe.http event.
type HTTPData struct {
	Ingest *HTTPResult `json:"ingest,omitempty"`
	Self   *HTTPResult `json:"self,omitempty"`
}

// NetEvent returns the probe.net payload, or false if no network-level
// check ran.
func (r Result) NetEvent() (NetData, bool) {
	if r.DNS == nil && r.Ping == nil {
		return NetData{}, false
	}
	return NetData{DNSResult: r.DNS, Ping: r.Ping}, true
}

// HTTPEvent returns the probe.http payload, or false if no GET ran.
func (r Result) HTTPEvent() (HTTPData, bool) {
	if r.HTTPIngest == nil && r.HTTPSelf == nil {
		return HTTPData{}, false
	}
	return HTTPData{Ingest: r.HTTPIngest, Self: r.HTTPSelf}, true
}

// Config holds probe targets and limits.
type Config struct {
	IngestURL   string
	HTTPTimeout time.Duration
	PingCount   int
	PingTimeout time.Duration
}

// Prober executes probe requests. Run blocks for at most the sum of the
// selected checks' timeouts and must not be called on the node loop.
type Prober struct {
	cfg      Config
	resolver *net.Resolver
	client   *http.Client
	ping     func(ctx context.Context, host string) PingResult
	logger   *zap.Logger
}

// New returns a prober using the system resolver and pro-bing.
func New(cfg Config, logger *zap.Logger) *Prober {
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 1500 * time.Millisecond
	}
	if cfg.PingCount <= 0 {
		cfg.PingCount = 3
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 2 * time.Second
	}
	p := &Prober{
		cfg:      cfg,
		resolver: net.DefaultResolver,
		client:   &http.Client{Timeout: cfg.HTTPTimeout},
		logger:   logger,
	}
	p.ping = p.icmp
	return p
}

// IngestHost is the host part of the ingest URL without port.
func (p *Prober) IngestHost() string {
	u, err := url.Parse(p.cfg.IngestURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// IngestHealthURL is scheme://host[:port]/health of the ingest URL.
func (p *Prober) IngestHealthURL() string {
	u, err := url.Parse(p.cfg.IngestURL)
	if err != nil || u.Host == "" {
		return p.cfg.IngestURL + "/health"
	}
	return (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/health"}).String()
}

// Run executes the checks selected by req. selfURL is the node's own
// /health URL, used only when req.HTTPSelf is set.
func (p *Prober) Run(ctx context.Context, req Request, selfURL string) Result {
	var res Result
	if req.DNS {
		r := p.resolve(ctx, p.IngestHost())
		res.DNS = &r
	}
	if req.HTTPIngest {
		r := p.get(ctx, p.IngestHealthURL())
		res.HTTPIngest = &r
	}
	if req.HTTPSelf {
		r := p.get(ctx, selfURL)
		res.HTTPSelf = &r
	}
	if req.Ping {
		r := p.ping(ctx, p.IngestHost())
		res.Ping = &r
	}
	return res
}

func (p *Prober) resolve(ctx context.Context, host string) DNSResult {
	out := DNSResult{Host: host}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.HTTPTimeout)
	defer cancel()

	start := time.Now()
	addrs, err := p.resolver.LookupIPAddr(ctx, host)
	out.Ms = uint64(time.Since(start).Milliseconds())
	if err != nil {
		out.Err = err.Error()
		p.logger.Debug("probe dns failed", zap.String("host", host), zap.Error(err))
		return out
	}
	for _, a := range addrs {
		if v4 := a.IP.To4(); v4 != nil {
			out.IP = v4.String()
			break
		}
	}
	if out.IP == "" && len(addrs) > 0 {
		out.IP = addrs[0].IP.String()
	}
	out.OK = out.IP != ""
	return out
}

// get treats any response below 500 as reachable: the target answered,
// even if it rejected the path.
func (p *Prober) get(ctx context.Context, rawURL string) HTTPResult {
	out := HTTPResult{URL: rawURL}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		out.Err = fmt.Sprintf("build request: %v", err)
		return out
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	out.Ms = uint64(time.Since(start).Milliseconds())
	if err != nil {
		out.Err = err.Error()
		p.logger.Debug("probe http failed", zap.String("url", rawURL), zap.Error(err))
		return out
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	out.Code = resp.StatusCode
	out.OK = resp.StatusCode >= 200 && resp.StatusCode < 500
	return out
}

func (p *Prober) icmp(ctx context.Context, host string) PingResult {
	out := PingResult{Host: host}
	pinger, err := probing.NewPinger(host)
	if err != nil {
		out.Err = err.Error()
		return out
	}
	pinger.Count = p.cfg.PingCount
	pinger.Timeout = p.cfg.PingTimeout
	pinger.SetPrivileged(runtime.GOOS == "windows")

	done := make(chan error, 1)
	go func() { done <- pinger.Run() }()

	select {
	case err = <-done:
	case <-ctx.Done():
		pinger.Stop()
		<-done
		out.Err = ctx.Err().Error()
		return out
	}
	if err != nil {
		out.Err = err.Error()
		p.logger.Debug("probe ping failed", zap.String("host", host), zap.Error(err))
		return out
	}

	stats := pinger.Statistics()
	out.Sent = stats.PacketsSent
	out.Recv = stats.PacketsRecv
	out.OK = stats.PacketsRecv > 0
	if out.OK {
		out.Ms = uint64(stats.AvgRtt.Milliseconds())
	}
	return out
}
