// Package media acquires the capture stream that feeds speech recognition.
package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-intake/internal/config"
	"github.com/loqalabs/loqa-intake/internal/protocol"
)

var (
	// ErrCapabilityUnavailable means no capture API or device exists.
	ErrCapabilityUnavailable = errors.New("media capture unavailable")
	// ErrAcquisitionDenied means the device refused access.
	ErrAcquisitionDenied = errors.New("media acquisition denied")
)

// Constraints mirrors the capture request: the daemon asks for both.
type Constraints struct {
	Video bool
	Audio bool
}

// FrameFunc receives little-endian PCM16 samples. The slice is only valid
// for the duration of the call.
type FrameFunc func(pcm []byte)

// Stream is a granted capture handle.
type Stream interface {
	Start(onFrame FrameFunc) error
	Stop()
	Close()
}

// Source grants capture streams.
type Source interface {
	Acquire(ctx context.Context, c Constraints) (Stream, error)
}

// NewSource returns the backend named by cfg.Mode. The client mode has no
// local source: browsers acquire media themselves and report through the
// gateway, so nil is returned.
func NewSource(cfg config.MediaConfig, logger *slog.Logger) (Source, error) {
	switch cfg.Mode {
	case "client":
		return nil, nil
	case "device":
		return NewDeviceSource(cfg, logger), nil
	case "mock":
		return NewMockSource(cfg, false), nil
	default:
		return nil, fmt.Errorf("%w: unknown media mode %q", ErrCapabilityUnavailable, cfg.Mode)
	}
}

// ConstraintsFromConfig builds the capture request.
func ConstraintsFromConfig(cfg config.MediaConfig) Constraints {
	return Constraints{Video: cfg.Video, Audio: cfg.Audio}
}

// AcquireInto requests capture from src, streams granted audio into p and
// reports the grant or denial on the bus.
func AcquireInto(ctx context.Context, src Source, c Constraints, p *Publisher) (Stream, error) {
	stream, err := src.Acquire(ctx, c)
	if err != nil {
		status := protocol.MediaStatus{
			Unavailable: errors.Is(err, ErrCapabilityUnavailable),
			Audio:       c.Audio,
			Video:       c.Video,
			Error:       err.Error(),
		}
		if reportErr := p.ReportStatus(status); reportErr != nil {
			return nil, errors.Join(err, reportErr)
		}
		return nil, err
	}
	if err := stream.Start(p.Feed); err != nil {
		stream.Close()
		err = fmt.Errorf("%w: %v", ErrAcquisitionDenied, err)
		_ = p.ReportStatus(protocol.MediaStatus{Granted: false, Audio: c.Audio, Video: c.Video, Error: err.Error()})
		return nil, err
	}
	if err := p.ReportStatus(protocol.MediaStatus{Granted: true, Audio: c.Audio, Video: c.Video}); err != nil {
		stream.Close()
		return nil, err
	}
	return stream, nil
}
