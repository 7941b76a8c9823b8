//go:build cgo

package media

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/loqalabs/loqa-intake/internal/config"
)

// deviceSource captures from the default local microphone through miniaudio.
type deviceSource struct {
	cfg    config.MediaConfig
	logger *slog.Logger
}

func NewDeviceSource(cfg config.MediaConfig, logger *slog.Logger) Source {
	return &deviceSource{cfg: cfg, logger: logger.With(slog.String("component", "media-device"))}
}

func (d *deviceSource) Acquire(ctx context.Context, c Constraints) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.Audio {
		return nil, fmt.Errorf("%w: audio constraint required", ErrCapabilityUnavailable)
	}
	if c.Video {
		d.logger.Info("video requested but local capture is audio only; preview disabled")
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCapabilityUnavailable, err)
	}
	devices, err := mctx.Devices(malgo.Capture)
	if err != nil || len(devices) == 0 {
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("%w: no capture device", ErrCapabilityUnavailable)
	}

	s := &deviceStream{ctx: mctx}
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(d.cfg.Channels)
	deviceConfig.SampleRate = uint32(d.cfg.SampleRate)

	dev, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			s.deliver(input)
		},
	})
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("%w: %v", ErrAcquisitionDenied, err)
	}
	s.device = dev
	d.logger.Info("capture device acquired", slog.Int("sample_rate", d.cfg.SampleRate), slog.Int("channels", d.cfg.Channels))
	return s, nil
}

type deviceStream struct {
	ctx     *malgo.AllocatedContext
	device  *malgo.Device
	mu      sync.Mutex
	onFrame FrameFunc
}

func (s *deviceStream) deliver(pcm []byte) {
	s.mu.Lock()
	fn := s.onFrame
	s.mu.Unlock()
	if fn != nil {
		fn(pcm)
	}
}

func (s *deviceStream) Start(onFrame FrameFunc) error {
	s.mu.Lock()
	s.onFrame = onFrame
	s.mu.Unlock()
	if s.device.IsStarted() {
		return nil
	}
	return s.device.Start()
}

func (s *deviceStream) Stop() {
	s.mu.Lock()
	s.onFrame = nil
	s.mu.Unlock()
	_ = s.device.Stop()
}

func (s *deviceStream) Close() {
	s.Stop()
	s.device.Uninit()
	_ = s.ctx.Uninit()
	s.ctx.Free()
}
