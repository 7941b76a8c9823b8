//go:build !cgo

package media

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-intake/internal/config"
)

type deviceSource struct{}

func NewDeviceSource(config.MediaConfig, *slog.Logger) Source {
	return deviceSource{}
}

func (deviceSource) Acquire(context.Context, Constraints) (Stream, error) {
	return nil, fmt.Errorf("%w: local capture requires cgo", ErrCapabilityUnavailable)
}
