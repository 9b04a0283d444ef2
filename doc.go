// Package pkgmessage provides a broker-agnostic API for publishing and
// consuming messages, on top of heterogeneous wire protocols (AMQP-style
// brokers, Pulsar, NATS, Google Cloud Pub/Sub).
//
// Business code stays independent of the underlying broker: publish and
// consume through Queue and its four scoped entry points (OpenPub,
// OpenSub, OpenSubOne, OpenSubManualAcking), and swap adapters by
// blank-importing a different package under adapter/.
//
// # Usage
//
//	import (
//	    "github.com/shandysiswandi/pkgmessage"
//	    _ "github.com/shandysiswandi/pkgmessage/adapter/nats"
//	)
//
//	q, err := pkgmessage.NewQueue(ctx, "nats", "nats://localhost:4222", "orders")
//	err = pkgmessage.OpenPub(ctx, q, func(ctx context.Context, p *pkgmessage.Publisher) error {
//	    return p.Send(ctx, orderCreated, nil)
//	})
package pkgmessage
