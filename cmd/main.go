package main

import (
	"os"

	"github.com/jondeandres/bunny"
	"github.com/jondeandres/bunny/config"
	"github.com/jondeandres/bunny/internal/broker"
	"github.com/jondeandres/bunny/logger"
	"github.com/jondeandres/bunny/transport"
)

const topologyYAML = `
exchanges:
  - name: events
    kind: topic
    durable: true
queues:
  - name: audit
    durable: true
    bindings:
      - exchange: events
        routing_key: "user.#"
`

func main() {
	log := logger.New("demo")

	topology, err := config.ParseTopology([]byte(topologyYAML))
	if err != nil {
		log.Err("Parsing topology: %v", err)
		os.Exit(1)
	}

	serverEnd, clientEnd := transport.NewPipe(0)

	b := broker.New(broker.WithInMemoryStorage())
	go func() {
		if err := b.Serve(serverEnd); err != nil {
			log.Err("Broker stopped: %v", err)
		}
	}()
	defer func() { _ = b.Close() }()

	conn := bunny.New(clientEnd, bunny.WithTopology(*topology))
	if err := conn.Start(); err != nil {
		log.Err("Starting connection: %v", err)
		os.Exit(1)
	}
	defer func() { _ = conn.Stop() }()

	ch, err := conn.Channel()
	if err != nil {
		log.Err("Opening channel: %v", err)
		os.Exit(1)
	}

	events, err := ch.Exchange("events", "topic", bunny.WithDurable())
	if err != nil {
		log.Err("Declaring exchange: %v", err)
		os.Exit(1)
	}

	for _, user := range []string{"ada", "grace", "barbara"} {
		err := events.Publish([]byte("signed up: "+user),
			bunny.WithKey("user.signup"),
			bunny.WithCorrelationId(user),
			bunny.WithPersistent(),
		)
		if err != nil {
			log.Err("Publishing: %v", err)
			os.Exit(1)
		}
	}

	audit, ok := conn.LookupQueue("audit")
	if !ok {
		log.Err("Topology queue 'audit' missing from registry")
		os.Exit(1)
	}

	state, err := audit.Subscribe(func(d *bunny.Delivery) {
		log.Info("Audit: %s (correlation %s, content type %s)",
			d.Payload, d.Properties.CorrelationId, d.Properties.ContentType)
	}, bunny.WithMessageMax(3))
	if err != nil {
		log.Err("Consuming: %v", err)
		os.Exit(1)
	}
	log.Info("Consumer finished %s", state)

	if _, found, err := audit.Pop(); err != nil {
		log.Err("Pop failed: %v", err)
		os.Exit(1)
	} else if found {
		log.Warn("Audit queue should have been drained")
	} else {
		log.Info("Audit queue drained")
	}
}
