package transport

import (
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// EmbeddedNATS is an in-process JetStream server for single-node
// deployments and tests.
type EmbeddedNATS struct {
	srv *server.Server
}

// StartEmbeddedNATS starts a JetStream-enabled server. A port of -1 picks a
// random free port.
func StartEmbeddedNATS(host string, port int, storeDir string) (*EmbeddedNATS, error) {
	opts := &server.Options{
		ServerName: "event-pipeline",
		Host:       host,
		Port:       port,
		JetStream:  true,
		StoreDir:   storeDir,
		NoLog:      true,
		NoSigs:     true,
		MaxPayload: 8 * 1024 * 1024,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("creating nats server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("nats server not ready within timeout")
	}
	return &EmbeddedNATS{srv: ns}, nil
}

func (e *EmbeddedNATS) ClientURL() string {
	return e.srv.ClientURL()
}

func (e *EmbeddedNATS) Shutdown() {
	e.srv.Shutdown()
	e.srv.WaitForShutdown()
}
