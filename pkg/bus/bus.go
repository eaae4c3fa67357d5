// Package bus connects the gateway to Kafka: request-outcome records go out,
// route-config reload signals come in.
package bus

import "context"

type Message struct {
	Key   []byte
	Value []byte
}

type Consumer interface {
	ReadMessage(ctx context.Context) (Message, error)
	Close() error
}

type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}
