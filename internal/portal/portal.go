// Package portal is the captive provisioning portal: a soft access point
// serving a credential form whose submission is persisted before the node
// restarts into station mode.
package portal

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/strangelab/nodeagent/internal/wifi"
)

// DefaultRestartDelay lets the acknowledgement reach the client before the
// node restarts.
const DefaultRestartDelay = 500 * time.Millisecond

const page = "<html><body><h2>Strange Lab Node Setup</h2>" +
	"<form method='POST' action='/save'>" +
	"Wi-Fi SSID:<br><input name='ssid'><br>" +
	"Wi-Fi Password:<br><input name='pass' type='password'><br><br>" +
	"<button type='submit'>Save</button>" +
	"</form></body></html>"

// SoftAP brings up the provisioning access point.
type SoftAP interface {
	StartSoftAP(ssid string) error
}

// Saver persists a group of preference keys atomically.
type Saver interface {
	PutStrings(ctx context.Context, namespace string, kv map[string]string) error
}

// Portal serves GET / and POST /save while active. Handlers run on HTTP
// goroutines; Start runs on the node loop.
type Portal struct {
	ssid         string
	ap           SoftAP
	saver        Saver
	restart      func()
	restartDelay time.Duration
	logger       *zap.Logger

	active  atomic.Bool
	saved   atomic.Bool
	afterFn func(time.Duration, func())
}

// New returns an inactive portal advertising ssid. restart is invoked once,
// restartDelay after a successful save.
func New(ssid string, ap SoftAP, saver Saver, restart func(), restartDelay time.Duration, logger *zap.Logger) *Portal {
	if restartDelay <= 0 {
		restartDelay = DefaultRestartDelay
	}
	return &Portal{
		ssid:         ssid,
		ap:           ap,
		saver:        saver,
		restart:      restart,
		restartDelay: restartDelay,
		logger:       logger,
		afterFn: func(d time.Duration, fn func()) {
			time.AfterFunc(d, fn)
		},
	}
}

// Start raises the soft-AP and activates the routes. Calling Start on an
// active portal is a no-op.
func (p *Portal) Start() error {
	if p.active.Load() {
		return nil
	}
	if err := p.ap.StartSoftAP(p.ssid); err != nil {
		return err
	}
	p.active.Store(true)
	p.logger.Info("provisioning portal started", zap.String("ssid", p.ssid))
	return nil
}

func (p *Portal) Active() bool { return p.active.Load() }
func (p *Portal) SSID() string { return p.ssid }

// RegisterRoutes mounts the form and save handler.
func (p *Portal) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", p.HandleRoot)
	mux.HandleFunc("POST /save", p.HandleSave)
}

// HandleRoot serves the credential form.
func (p *Portal) HandleRoot(w http.ResponseWriter, r *http.Request) {
	if !p.active.Load() {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(page))
}

// HandleSave persists the submitted credentials and schedules the restart.
func (p *Portal) HandleSave(w http.ResponseWriter, r *http.Request) {
	if !p.active.Load() {
		http.NotFound(w, r)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeText(w, http.StatusBadRequest, "Bad form")
		return
	}
	ssid := r.PostForm.Get("ssid")
	pass := r.PostForm.Get("pass")
	if ssid == "" {
		writeText(w, http.StatusBadRequest, "SSID required")
		return
	}

	err := p.saver.PutStrings(r.Context(), wifi.PrefsNamespace, map[string]string{
		wifi.KeySSID: ssid,
		wifi.KeyPass: pass,
	})
	if err != nil {
		p.logger.Error("failed to persist wifi credentials", zap.Error(err))
		writeText(w, http.StatusInternalServerError, "Save failed")
		return
	}

	p.logger.Info("wifi credentials saved", zap.String("ssid", ssid))
	writeText(w, http.StatusOK, "Saved. Rebooting...")

	if p.saved.CompareAndSwap(false, true) {
		p.afterFn(p.restartDelay, p.restart)
	}
}

func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(msg))
}
