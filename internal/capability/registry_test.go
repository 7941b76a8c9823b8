package capability

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-intake/internal/bus/bustest"
	"github.com/loqalabs/loqa-intake/internal/protocol"
)

func TestRegistryRequire(t *testing.T) {
	r, err := NewRegistry(context.Background(), "intake-1", nil, bustest.Logger())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(r.Close)

	if err := r.Require(Extraction); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected unregistered capability to be unavailable, got %v", err)
	}

	r.Register(Capability{Name: Extraction, Available: true, Backend: "mock"})
	r.Register(Capability{Name: Speech, Available: false, Reason: "stt disabled"})
	if err := r.Require(Extraction); err != nil {
		t.Fatalf("expected extraction available, got %v", err)
	}
	err = r.Require(Speech)
	if !errors.Is(err, ErrUnavailable) || !strings.Contains(err.Error(), "stt disabled") {
		t.Fatalf("expected reason in error, got %v", err)
	}
	missing := r.Missing()
	if len(missing) != 1 || missing[0].Name != Speech {
		t.Fatalf("unexpected missing list %+v", missing)
	}
	if !r.Healthy() {
		t.Fatal("expected registry healthy once the local node announced")
	}
}

func TestRegistryAnnouncesAndTracksPeers(t *testing.T) {
	client := bustest.Connect(t)
	announcements := bustest.Subscribe[announceMessage](t, client, protocol.SubjectCapability)

	r, err := NewRegistry(context.Background(), "intake-1", client, bustest.Logger())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(r.Close)
	if err := client.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	r.Register(Capability{Name: MediaCapture, Available: true, Backend: "client"})
	msg := bustest.Receive(t, announcements)
	if msg.NodeID != "intake-1" || len(msg.Capabilities) != 1 || msg.Capabilities[0].Name != MediaCapture {
		t.Fatalf("unexpected announcement %+v", msg)
	}

	peer := announceMessage{NodeID: "intake-2", Capabilities: []Capability{{Name: Extraction, Available: true, Backend: "ollama"}}}
	if err := client.PublishJSON(protocol.SubjectCapability, peer); err != nil {
		t.Fatalf("publish peer: %v", err)
	}
	if err := client.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		nodes := r.Query(WithCapabilityFilter(Extraction))
		if len(nodes) == 1 && nodes[0].ID == "intake-2" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("peer not tracked, got %+v", r.Query(nil))
		}
		time.Sleep(5 * time.Millisecond)
	}
	if all := r.Query(nil); len(all) != 2 {
		t.Fatalf("expected two nodes, got %+v", all)
	}
}
