// Package testutil runs an embedded JetStream-enabled NATS server for tests.
package testutil

import (
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

// StartServer starts an embedded NATS server with JetStream on a random port.
// The server shuts down when the test ends.
func StartServer(t *testing.T) *server.Server {
	t.Helper()

	s, err := server.NewServer(&server.Options{
		Host:           "127.0.0.1",
		Port:           server.RANDOM_PORT,
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 4096,
		JetStream:      true,
		StoreDir:       t.TempDir(),
	})
	require.NoError(t, err)

	go s.Start()
	if !s.ReadyForConnections(10 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(s.Shutdown)
	return s
}

// StartJetStream starts a server and returns a JetStream context on a
// connection that is closed when the test ends
func StartJetStream(t *testing.T) nats.JetStreamContext {
	t.Helper()

	s := StartServer(t)
	nc, err := nats.Connect(s.ClientURL(), nats.Timeout(5*time.Second))
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	js, err := nc.JetStream(nats.MaxWait(5 * time.Second))
	require.NoError(t, err)
	return js
}

// RequireStream waits until the named stream exists
func RequireStream(t *testing.T, js nats.JetStreamContext, name string) *nats.StreamInfo {
	t.Helper()

	var info *nats.StreamInfo
	require.Eventually(t, func() bool {
		var err error
		info, err = js.StreamInfo(name)
		return err == nil
	}, 5*time.Second, 50*time.Millisecond, "stream %s not created", name)
	return info
}

// Collect reads messages on subject from the start of the stream until want
// have arrived or timeout passes
func Collect(t *testing.T, js nats.JetStreamContext, subject string, want int, timeout time.Duration) [][]byte {
	t.Helper()

	received := make(chan []byte, 100)
	sub, err := js.Subscribe(subject, func(msg *nats.Msg) {
		received <- msg.Data
	}, nats.DeliverAll())
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var out [][]byte
	for len(out) < want {
		select {
		case data := <-received:
			out = append(out, data)
		case <-timer.C:
			return out
		}
	}
	return out
}
