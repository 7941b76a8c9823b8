package media

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/loqalabs/loqa-intake/internal/bus"
	"github.com/loqalabs/loqa-intake/internal/bus/bustest"
	"github.com/loqalabs/loqa-intake/internal/config"
	"github.com/loqalabs/loqa-intake/internal/protocol"
)

func newPublisher(t *testing.T) (*Publisher, *bus.Client) {
	t.Helper()
	client := bustest.Connect(t)
	p := NewPublisher(config.Default().Media, client, bustest.Logger())
	if err := p.Start(); err != nil {
		t.Fatalf("start publisher: %v", err)
	}
	t.Cleanup(p.Close)
	return p, client
}

func startSession(t *testing.T, client *bus.Client, p *Publisher, sessionID string, action protocol.SessionAction) {
	t.Helper()
	if err := client.PublishJSON(protocol.SubjectSTTControl, protocol.SessionCommand{SessionID: sessionID, Action: action}); err != nil {
		t.Fatalf("publish control: %v", err)
	}
	if err := client.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	want := sessionID
	if action == protocol.ActionStop {
		want = ""
	}
	for p.ActiveSession() != want {
		if time.Now().After(deadline) {
			t.Fatalf("publisher did not follow %s for %s", action, sessionID)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPublisherTagsFramesWithActiveSession(t *testing.T) {
	p, client := newPublisher(t)
	frames := bustest.Subscribe[protocol.AudioFrame](t, client, protocol.SubjectAudioFramePrefix+".>")

	p.Feed([]byte{1, 2})
	startSession(t, client, p, "s1", protocol.ActionStart)
	p.Feed([]byte{3, 4})
	p.Feed([]byte{5, 6})

	first := bustest.Receive(t, frames)
	second := bustest.Receive(t, frames)
	if first.SessionID != "s1" || first.Sequence != 0 || second.Sequence != 1 {
		t.Fatalf("unexpected frames %+v %+v", first, second)
	}
	if first.SampleRate != 16000 || first.Channels != 1 {
		t.Fatalf("expected configured format, got %+v", first)
	}

	startSession(t, client, p, "s1", protocol.ActionStop)
	p.Feed([]byte{7, 8})
	select {
	case f := <-frames:
		t.Fatalf("unexpected frame after stop %+v", f)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPublisherReleasesEndedSession(t *testing.T) {
	for _, typ := range []protocol.RecognitionType{protocol.RecognitionEnd, protocol.RecognitionError} {
		t.Run(string(typ), func(t *testing.T) {
			p, client := newPublisher(t)
			frames := bustest.Subscribe[protocol.AudioFrame](t, client, protocol.SubjectAudioFramePrefix+".>")
			startSession(t, client, p, "s1", protocol.ActionStart)

			// Events of another session leave the active one alone.
			if err := client.PublishJSON(protocol.SubjectSTTEvent, protocol.RecognitionEvent{SessionID: "old", Type: typ}); err != nil {
				t.Fatalf("publish: %v", err)
			}
			if err := client.PublishJSON(protocol.SubjectSTTEvent, protocol.RecognitionEvent{SessionID: "s1", Type: typ}); err != nil {
				t.Fatalf("publish: %v", err)
			}
			deadline := time.Now().Add(2 * time.Second)
			for p.ActiveSession() != "" {
				if time.Now().After(deadline) {
					t.Fatalf("publisher still tagging frames with %s", p.ActiveSession())
				}
				time.Sleep(5 * time.Millisecond)
			}

			p.Feed([]byte{1, 2})
			bustest.Quiet(t, frames, 100*time.Millisecond)
		})
	}
}

func TestAcquireIntoReportsGrant(t *testing.T) {
	p, client := newPublisher(t)
	statuses := bustest.Subscribe[protocol.MediaStatus](t, client, protocol.SubjectMediaStatus)

	cfg := config.Default().Media
	cfg.FrameDurationMS = 5
	stream, err := AcquireInto(context.Background(), NewMockSource(cfg, false), Constraints{Audio: true, Video: true}, p)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer stream.Close()

	status := bustest.Receive(t, statuses)
	if !status.Granted || !status.Audio || !status.Video {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestAcquireIntoReportsDenial(t *testing.T) {
	p, client := newPublisher(t)
	statuses := bustest.Subscribe[protocol.MediaStatus](t, client, protocol.SubjectMediaStatus)

	_, err := AcquireInto(context.Background(), NewMockSource(config.Default().Media, true), Constraints{Audio: true}, p)
	if !errors.Is(err, ErrAcquisitionDenied) {
		t.Fatalf("expected denial, got %v", err)
	}
	status := bustest.Receive(t, statuses)
	if status.Granted || status.Unavailable || status.Error == "" {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestAcquireIntoReportsUnavailable(t *testing.T) {
	p, client := newPublisher(t)
	statuses := bustest.Subscribe[protocol.MediaStatus](t, client, protocol.SubjectMediaStatus)

	_, err := AcquireInto(context.Background(), NewMockSource(config.Default().Media, false), Constraints{Video: true}, p)
	if !errors.Is(err, ErrCapabilityUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if status := bustest.Receive(t, statuses); status.Granted || !status.Unavailable {
		t.Fatalf("expected unavailable status, got %+v", status)
	}
}

func TestMockStreamDeliversFrames(t *testing.T) {
	cfg := config.Default().Media
	cfg.FrameDurationMS = 5
	stream, err := NewMockSource(cfg, false).Acquire(context.Background(), Constraints{Audio: true})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	got := make(chan int, 4)
	if err := stream.Start(func(pcm []byte) {
		select {
		case got <- len(pcm):
		default:
		}
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer stream.Close()
	if n := bustest.Receive(t, got); n != 16000*2*5/1000 {
		t.Fatalf("unexpected frame size %d", n)
	}
}

func TestNewSource(t *testing.T) {
	cfg := config.Default().Media
	if src, err := NewSource(cfg, bustest.Logger()); err != nil || src != nil {
		t.Fatalf("client mode has no local source, got %v %v", src, err)
	}
	cfg.Mode = "mock"
	if src, err := NewSource(cfg, bustest.Logger()); err != nil || src == nil {
		t.Fatalf("expected mock source, got %v %v", src, err)
	}
	cfg.Mode = "webcam"
	if _, err := NewSource(cfg, bustest.Logger()); !errors.Is(err, ErrCapabilityUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestGatewayRoutesClientFrames(t *testing.T) {
	p, client := newPublisher(t)
	statuses := bustest.Subscribe[protocol.MediaStatus](t, client, protocol.SubjectMediaStatus)
	commands := bustest.Subscribe[protocol.UserCommand](t, client, protocol.SubjectUserCommand)
	frames := bustest.Subscribe[protocol.AudioFrame](t, client, protocol.SubjectAudioFramePrefix+".>")
	gw := NewGateway(p, bustest.Logger())
	ctx := context.Background()

	gw.HandleFrame(ctx, "browser-1", websocket.MessageText, []byte(`{"type":"media","granted":true,"audio":true,"video":true}`))
	if status := bustest.Receive(t, statuses); !status.Granted || status.ClientID != "browser-1" {
		t.Fatalf("unexpected status %+v", status)
	}

	gw.HandleFrame(ctx, "browser-1", websocket.MessageText, []byte(`{"type":"command","action":"start"}`))
	if cmd := bustest.Receive(t, commands); cmd.Action != protocol.ActionStart || cmd.ClientID != "browser-1" {
		t.Fatalf("unexpected command %+v", cmd)
	}

	startSession(t, client, p, "s1", protocol.ActionStart)
	gw.HandleFrame(ctx, "browser-2", websocket.MessageBinary, []byte{9, 9})
	gw.HandleFrame(ctx, "browser-1", websocket.MessageBinary, []byte{1, 1})
	if frame := bustest.Receive(t, frames); frame.PCM[0] != 1 {
		t.Fatalf("expected only the media owner's audio, got %+v", frame)
	}
}

func TestGatewayMicrophoneMissing(t *testing.T) {
	p, client := newPublisher(t)
	statuses := bustest.Subscribe[protocol.MediaStatus](t, client, protocol.SubjectMediaStatus)
	gw := NewGateway(p, bustest.Logger())

	gw.HandleFrame(context.Background(), "c", websocket.MessageText, []byte(`{"type":"media","granted":true,"audio":false,"video":true}`))
	status := bustest.Receive(t, statuses)
	if status.Granted || status.Error == "" {
		t.Fatalf("expected denial without microphone, got %+v", status)
	}
}

func TestGatewayDevicesUnavailable(t *testing.T) {
	p, client := newPublisher(t)
	statuses := bustest.Subscribe[protocol.MediaStatus](t, client, protocol.SubjectMediaStatus)
	gw := NewGateway(p, bustest.Logger())

	gw.HandleFrame(context.Background(), "c", websocket.MessageText, []byte(`{"type":"media","granted":false,"unavailable":true,"error":"media devices are not supported"}`))
	if status := bustest.Receive(t, statuses); status.Granted || !status.Unavailable {
		t.Fatalf("expected unavailable status, got %+v", status)
	}
}
