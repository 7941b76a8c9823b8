package media

import (
	"context"
	"sync"
	"time"

	"github.com/loqalabs/loqa-intake/internal/config"
)

// mockSource produces silent frames at real-time pace.
type mockSource struct {
	cfg  config.MediaConfig
	deny bool
}

// NewMockSource returns a source that grants silence, or denies every
// request when deny is set.
func NewMockSource(cfg config.MediaConfig, deny bool) Source {
	return &mockSource{cfg: cfg, deny: deny}
}

func (m *mockSource) Acquire(ctx context.Context, c Constraints) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.deny {
		return nil, ErrAcquisitionDenied
	}
	if !c.Audio {
		return nil, ErrCapabilityUnavailable
	}
	frameBytes := m.cfg.SampleRate * m.cfg.Channels * 2 * m.cfg.FrameDurationMS / 1000
	return &mockStream{
		frame:    make([]byte, frameBytes),
		interval: time.Duration(m.cfg.FrameDurationMS) * time.Millisecond,
	}, nil
}

type mockStream struct {
	frame    []byte
	interval time.Duration
	mu       sync.Mutex
	stop     chan struct{}
	done     chan struct{}
}

func (s *mockStream) Start(onFrame FrameFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return nil
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go func(stop, done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				onFrame(s.frame)
			}
		}
	}(s.stop, s.done)
	return nil
}

func (s *mockStream) Stop() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
}

func (s *mockStream) Close() { s.Stop() }
