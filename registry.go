package pkgmessage

import (
	"fmt"
	"strings"
	"sync"
)

// Recognized broker-client names (§6's extensible enum). An adapter
// package registers its factory under one of these from its own init(),
// by blank-importing it: import _ "github.com/shandysiswandi/pkgmessage/adapter/nats".
const (
	// BrokerRabbitMQ selects the AMQP-style RabbitMQ adapter.
	BrokerRabbitMQ = "rabbitmq"
	// BrokerPulsar selects the Apache Pulsar adapter.
	BrokerPulsar = "pulsar"
	// BrokerGCP selects the Google Cloud Pub/Sub adapter.
	BrokerGCP = "gcp"
	// BrokerNATS selects the NATS JetStream adapter.
	BrokerNATS = "nats"
	// BrokerNSQ selects the NSQ adapter (extensible beyond the spec's
	// four named brokers; the registry is explicitly open-ended).
	BrokerNSQ = "nsq"
)

// known is the full recognized enum, used to distinguish "unknown name"
// from "known name, adapter package not imported" per §4.8/§7.
var known = map[string]bool{
	BrokerRabbitMQ: true,
	BrokerPulsar:   true,
	BrokerGCP:      true,
	BrokerNATS:     true,
	BrokerNSQ:      true,
}

var (
	registryMu sync.RWMutex
	registry   = map[string]BrokerClient{}
)

// Register adds a BrokerClient factory under name (case-insensitive).
// Called from an adapter package's init(); the core registry itself
// never imports adapter packages, so a caller that never blank-imports
// an adapter never pays for its dependencies — this is the Go-native
// reading of "deferred import of optional adapters".
func Register(name string, client BrokerClient) {
	key := strings.ToLower(strings.TrimSpace(name))
	known[key] = true

	registryMu.Lock()
	defer registryMu.Unlock()
	registry[key] = client
}

// GetBrokerClient resolves a broker-client name to its registered
// adapter. Unknown names fail with ErrUnknownBrokerClient; a name that
// is part of the recognized enum but whose adapter package has not been
// blank-imported fails with ErrBrokerClientNotLoaded, directing the
// caller to the import path to add.
func GetBrokerClient(name string) (BrokerClient, error) {
	key := strings.ToLower(strings.TrimSpace(name))

	registryMu.RLock()
	client, ok := registry[key]
	registryMu.RUnlock()
	if ok {
		return client, nil
	}

	if known[key] {
		return nil, fmt.Errorf("%w: %s (import github.com/shandysiswandi/pkgmessage/adapter/%s)", ErrBrokerClientNotLoaded, key, key)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownBrokerClient, name)
}
