// Package client connects a monitored process to the local neetbox daemon.
//
// A Manager carries two channels to the daemon: a stateless HTTP client and a
// single persistent WebSocket session. The session is opened lazily by
// Connect, identifies itself with a handshake and reconnects in the
// background whenever the socket drops.
//
// # Basic Usage
//
//	m, err := client.New(client.Identity{ProjectID: pid, RunID: rid}, daemon)
//	if err != nil {
//	    return err
//	}
//	defer m.Close()
//	m.Connect()
//
//	// Receive events pushed by the daemon
//	m.Subscribe("action", "", func(env protocol.EventEnvelope) error {
//	    fmt.Println(env.Payload)
//	    return nil
//	})
//
//	// Emit an event; dropped if the handshake has not completed yet
//	m.Send("metric", map[string]any{"loss": 0.25})
//
// # Delivery
//
// Send is fire-and-forget. Events sent before the handshake completes, while
// reconnecting, or after a failed write are dropped and logged, never queued.
// Use WaitReady to block until the session can deliver.
//
// # Thread Safety
//
// Manager, HTTPClient and Registry are safe for concurrent use. Handlers are
// invoked from the session goroutine, one frame at a time, so a slow handler
// delays the frames behind it.
package client
