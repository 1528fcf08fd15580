// Package storage provides the persistent substrate for the Axis core:
// NATS JetStream key-value buckets for jobs, caches, and messages, plus
// streams for the audit log. The server is embedded by default so the
// runtime stays single-node and local-first.
package storage

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/meridianhq/meridian/model"
)

// Conn holds the NATS connection and, when embedded, the in-process
// server.
type Conn struct {
	embedded *server.Server
	nc       *nats.Conn
	js       jetstream.JetStream
}

// Connect starts (or connects to) the NATS substrate per config. With an
// embedded server, JetStream state lives under dataDir.
func Connect(cfg model.NATSConfig, dataDir string) (*Conn, error) {
	c := &Conn{}

	// A configured URL always selects the external server; Embedded
	// defaults true and would otherwise silently win.
	if cfg.URL != "" {
		nc, err := nats.Connect(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("connect to NATS: %w", err)
		}
		c.nc = nc
	} else {
		opts := &server.Options{
			Port:      -1, // random available port
			JetStream: true,
			StoreDir:  filepath.Join(dataDir, "jetstream"),
			NoLog:     true,
			NoSigs:    true,
		}

		ns, err := server.NewServer(opts)
		if err != nil {
			return nil, fmt.Errorf("create embedded NATS server: %w", err)
		}

		go ns.Start()

		if !ns.ReadyForConnections(5 * time.Second) {
			ns.Shutdown()
			return nil, fmt.Errorf("embedded NATS server failed to start")
		}
		c.embedded = ns

		nc, err := nats.Connect(ns.ClientURL())
		if err != nil {
			ns.Shutdown()
			return nil, fmt.Errorf("connect to embedded NATS: %w", err)
		}
		c.nc = nc
	}

	js, err := jetstream.New(c.nc)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	c.js = js

	return c, nil
}

// JetStream returns the JetStream context.
func (c *Conn) JetStream() jetstream.JetStream { return c.js }

// Close drains the connection and stops the embedded server if any.
func (c *Conn) Close() {
	if c.nc != nil {
		_ = c.nc.Drain()
		c.nc.Close()
	}
	if c.embedded != nil {
		c.embedded.Shutdown()
		c.embedded.WaitForShutdown()
	}
}
