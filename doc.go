// Package mqclient provides a broker-agnostic API for publishing and
// consuming messages on a queue.
//
// The goal is to keep distributed-workflow code independent from the
// underlying messaging system (Apache Pulsar, RabbitMQ, NATS JetStream).
// Switching brokers requires no change to business logic, only a different
// broker-client name when constructing the Queue.
//
// A Queue is the single entry point. It exposes scoped streams for the
// supported access patterns:
//
//	q, err := mqclient.NewQueue(mqclient.BrokerRabbitMQ,
//		mqclient.WithAddress("localhost"),
//		mqclient.WithName("top456"),
//	)
//
//	pub, err := q.OpenPub(ctx)
//	defer pub.Close()
//	err = pub.Send(ctx, []byte("hello"))
//
//	sub, err := q.OpenSub(ctx)
//	defer sub.Close()
//	for sub.Next(ctx) {
//		process(sub.Bytes()) // previous message is acked on the next call
//	}
//	err = sub.Err()
//
// All streams preserve the broker's at-least-once delivery guarantee: a
// message is acknowledged only after it has been handed to the caller, and a
// negatively-acknowledged message is redelivered by the broker as a fresh
// envelope.
package mqclient
