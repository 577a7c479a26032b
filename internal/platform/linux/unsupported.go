//go:build !linux

package linux

import (
	"context"
	"time"

	"github.com/strangelab/nodeagent/internal/platform"
	"go.uber.org/zap"
)

// Config selects the interface and association mode.
type Config struct {
	Interface    string
	Associate    bool
	PollInterval time.Duration
	ScanTimeout  time.Duration
}

// NewBackend is only available on Linux.
func NewBackend(context.Context, Config, platform.Poster, *zap.Logger) (platform.Backend, error) {
	return platform.Backend{}, platform.ErrUnsupported
}
