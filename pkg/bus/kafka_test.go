package bus

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
)

func TestNewKafkaConsumerValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewKafkaConsumer(Config{Topic: "oagw.config", GroupID: "gw"}); err == nil {
		t.Fatal("expected error when brokers are missing")
	}
	if _, err := NewKafkaConsumer(Config{Brokers: []string{"127.0.0.1:9092"}, GroupID: "gw"}); err == nil {
		t.Fatal("expected error when topic is missing")
	}
	if _, err := NewKafkaConsumer(Config{Brokers: []string{"127.0.0.1:9092"}, Topic: "oagw.config"}); err == nil {
		t.Fatal("expected error when group id is missing")
	}
}

func TestNewKafkaPublisherValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewKafkaPublisher(Config{Topic: "oagw.requests"}); err == nil {
		t.Fatal("expected error when brokers are missing")
	}
	if _, err := NewKafkaPublisher(Config{Brokers: []string{" ", "\t"}, Topic: "oagw.requests"}); err == nil {
		t.Fatal("expected error when brokers are blank")
	}
	pub, err := NewKafkaPublisher(Config{Brokers: []string{" ", "127.0.0.1:9092"}, Topic: "oagw.requests"})
	if err != nil {
		t.Fatalf("expected valid publisher config, got %v", err)
	}
	_ = pub.Close()
}

type fakeReader struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(f.msgs) == 0 {
		if f.err != nil {
			return kafka.Message{}, f.err
		}
		return kafka.Message{}, context.Canceled
	}
	msg := f.msgs[0]
	f.msgs = f.msgs[1:]
	return msg, nil
}

func (f *fakeReader) Close() error { return nil }

func TestKafkaConsumerReadMessage(t *testing.T) {
	t.Parallel()

	c := &KafkaConsumer{reader: &fakeReader{msgs: []kafka.Message{{Key: []byte("reload"), Value: []byte(`{"reason":"route_updated"}`)}}}}
	msg, err := c.ReadMessage(context.Background())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(msg.Key) != "reload" || string(msg.Value) != `{"reason":"route_updated"}` {
		t.Fatalf("unexpected message: %+v", msg)
	}

	failing := &KafkaConsumer{reader: &fakeReader{err: errors.New("broker gone")}}
	if _, err := failing.ReadMessage(context.Background()); err == nil {
		t.Fatal("expected read error to propagate")
	}
}

type fakeWriter struct {
	got []kafka.Message
	err error
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.got = append(f.got, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaPublisherPublish(t *testing.T) {
	t.Parallel()

	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w}
	if err := p.Publish(context.Background(), Message{Key: []byte("tenant-a"), Value: []byte(`{}`)}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.got) != 1 || string(w.got[0].Key) != "tenant-a" {
		t.Fatalf("unexpected written messages: %+v", w.got)
	}

	var nilPub *KafkaPublisher
	if err := nilPub.Publish(context.Background(), Message{}); err == nil {
		t.Fatal("expected error from nil publisher")
	}
}
