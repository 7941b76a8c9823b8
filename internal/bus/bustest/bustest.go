// Package bustest starts an in-process NATS server for package tests.
package bustest

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-intake/internal/bus"
	"github.com/loqalabs/loqa-intake/internal/config"
	"github.com/loqalabs/loqa-intake/internal/natsserver"
	"github.com/nats-io/nats-server/v2/server"
)

// Logger returns a logger that discards everything below error.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// Connect starts an embedded server on a random port and returns a client
// connected to it. Both are torn down when the test ends.
func Connect(t *testing.T) *bus.Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{
		Embedded: true,
		Port:     server.RANDOM_PORT,
		StoreDir: t.TempDir(),
	}, Logger())
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, Logger())
	if err != nil {
		t.Fatalf("connect bus: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

// Subscribe decodes every JSON message on subject into a buffered channel.
func Subscribe[T any](t *testing.T, client *bus.Client, subject string) <-chan T {
	t.Helper()
	ch := make(chan T, 64)
	group := client.NewGroup(Logger())
	if err := bus.Handle(group, subject, func(v T) { ch <- v }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := client.Flush(); err != nil {
		t.Fatalf("flush subscription: %v", err)
	}
	t.Cleanup(group.Drain)
	return ch
}

// Receive waits up to three seconds for the next value on ch.
func Receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	var zero T
	return zero
}

// Quiet fails the test if anything arrives on ch within d.
func Quiet[T any](t *testing.T, ch <-chan T, d time.Duration) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected message: %+v", v)
	case <-time.After(d):
	}
}
