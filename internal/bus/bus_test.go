package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestChannelBus(t *testing.T) {
	bus := NewChannelBus(100)
	defer bus.Close()

	ctx := context.Background()

	t.Run("PublishAndSubscribe", func(t *testing.T) {
		var received atomic.Bool
		var receivedMsg *domain.Message

		var wg sync.WaitGroup
		wg.Add(1)

		_, err := bus.Subscribe(ctx, domain.TopicAuditEntry, func(ctx context.Context, msg *domain.Message) error {
			receivedMsg = msg
			received.Store(true)
			wg.Done()
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		err = bus.Publish(ctx, domain.TopicAuditEntry, []byte("hello"))
		if err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for message")
		}

		if !received.Load() {
			t.Error("message not received")
		}
		if string(receivedMsg.Payload) != "hello" {
			t.Errorf("expected payload 'hello', got '%s'", string(receivedMsg.Payload))
		}
		if receivedMsg.Topic != domain.TopicAuditEntry {
			t.Errorf("expected topic '%s', got '%s'", domain.TopicAuditEntry, receivedMsg.Topic)
		}
	})

	t.Run("TopicIsolation", func(t *testing.T) {
		var entries atomic.Int32
		var alerts atomic.Int32

		bus.Subscribe(ctx, "isolation.entry", func(ctx context.Context, msg *domain.Message) error {
			entries.Add(1)
			return nil
		})
		bus.Subscribe(ctx, "isolation.alert", func(ctx context.Context, msg *domain.Message) error {
			alerts.Add(1)
			return nil
		})

		bus.Publish(ctx, "isolation.entry", []byte("msg1"))
		time.Sleep(50 * time.Millisecond)

		if entries.Load() != 1 {
			t.Errorf("entry subscriber should receive 1 message, got %d", entries.Load())
		}
		if alerts.Load() != 0 {
			t.Errorf("alert subscriber should receive 0 messages, got %d", alerts.Load())
		}
	})

	t.Run("RequiresTopic", func(t *testing.T) {
		if err := bus.Publish(ctx, "", []byte("data")); err == nil {
			t.Error("expected error for empty topic")
		}

		_, err := bus.Subscribe(ctx, "", func(ctx context.Context, msg *domain.Message) error {
			return nil
		})
		if err == nil {
			t.Error("expected error for empty topic")
		}
	})

	t.Run("NoSubscribers", func(t *testing.T) {
		err := bus.Publish(ctx, "nobody.listening", []byte("data"))
		if !errors.Is(err, ErrNoSubscribers) {
			t.Errorf("expected ErrNoSubscribers, got %v", err)
		}
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		var count atomic.Int32

		sub, _ := bus.Subscribe(ctx, "unsub.topic", func(ctx context.Context, msg *domain.Message) error {
			count.Add(1)
			return nil
		})

		bus.Publish(ctx, "unsub.topic", []byte("msg1"))
		time.Sleep(50 * time.Millisecond)

		if count.Load() != 1 {
			t.Errorf("expected 1 message before unsubscribe, got %d", count.Load())
		}

		sub.Unsubscribe()

		err := bus.Publish(ctx, "unsub.topic", []byte("msg2"))
		if !errors.Is(err, ErrNoSubscribers) {
			t.Errorf("expected ErrNoSubscribers after unsubscribe, got %v", err)
		}
		time.Sleep(50 * time.Millisecond)

		if count.Load() != 1 {
			t.Errorf("expected 1 message after unsubscribe, got %d", count.Load())
		}
	})

	t.Run("MultipleSubscribers", func(t *testing.T) {
		var count1, count2 atomic.Int32

		bus.Subscribe(ctx, "multi.topic", func(ctx context.Context, msg *domain.Message) error {
			count1.Add(1)
			return nil
		})
		bus.Subscribe(ctx, "multi.topic", func(ctx context.Context, msg *domain.Message) error {
			count2.Add(1)
			return nil
		})

		bus.Publish(ctx, "multi.topic", []byte("broadcast"))
		time.Sleep(50 * time.Millisecond)

		if count1.Load() != 1 || count2.Load() != 1 {
			t.Errorf("expected both subscribers to receive, got %d and %d", count1.Load(), count2.Load())
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := bus.Ping(ctx); err != nil {
			t.Errorf("ping failed: %v", err)
		}
	})

	t.Run("SubscriptionTopic", func(t *testing.T) {
		sub, _ := bus.Subscribe(ctx, "my.topic", func(ctx context.Context, msg *domain.Message) error {
			return nil
		})

		if sub.Topic() != "my.topic" {
			t.Errorf("expected topic 'my.topic', got '%s'", sub.Topic())
		}
	})
}

func TestChannelBusBufferFull(t *testing.T) {
	bus := NewChannelBus(1)
	defer bus.Close()

	ctx := context.Background()
	release := make(chan struct{})
	defer close(release)

	bus.Subscribe(ctx, "slow.topic", func(ctx context.Context, msg *domain.Message) error {
		<-release
		return nil
	})

	var err error
	for i := 0; i < 10 && err == nil; i++ {
		err = bus.Publish(ctx, "slow.topic", []byte("msg"))
	}

	if !errors.Is(err, ErrBufferFull) {
		t.Errorf("expected ErrBufferFull once the subscriber stalls, got %v", err)
	}
}

func TestChannelBusClose(t *testing.T) {
	bus := NewChannelBus(100)

	ctx := context.Background()

	bus.Subscribe(ctx, "close.topic", func(ctx context.Context, msg *domain.Message) error {
		return nil
	})

	if err := bus.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}

	if err := bus.Publish(ctx, "close.topic", []byte("data")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after close, got %v", err)
	}

	if err := bus.Ping(ctx); err == nil {
		t.Error("expected ping error after close")
	}
}

func TestMessageEnvelope(t *testing.T) {
	data, err := encodeMessage(domain.TopicAuditAlert, []byte(`{"id":"a1"}`))
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	msg, err := decodeMessage(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if msg.Topic != domain.TopicAuditAlert {
		t.Errorf("expected topic %s, got %s", domain.TopicAuditAlert, msg.Topic)
	}
	if string(msg.Payload) != `{"id":"a1"}` {
		t.Errorf("unexpected payload %s", msg.Payload)
	}
	if msg.ID == "" {
		t.Error("expected message id")
	}

	if got := subject(domain.TopicAuditEntry); got != "kestrel.audit.entry" {
		t.Errorf("expected subject kestrel.audit.entry, got %s", got)
	}
}

func TestNewBus(t *testing.T) {
	t.Run("ChannelType", func(t *testing.T) {
		cfg := domain.EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 50,
		}

		bus, err := New(cfg)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer bus.Close()

		_, ok := bus.(*ChannelBus)
		if !ok {
			t.Error("expected ChannelBus for channel type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		cfg := domain.EventBusConfig{
			Type: "kafka",
		}

		_, err := New(cfg)
		if err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}

func TestChannelBusHighLoad(t *testing.T) {
	bus := NewChannelBus(1000)
	defer bus.Close()

	ctx := context.Background()

	var received atomic.Int32
	const messageCount = 100

	var wg sync.WaitGroup
	wg.Add(messageCount)

	bus.Subscribe(ctx, "load.topic", func(ctx context.Context, msg *domain.Message) error {
		received.Add(1)
		wg.Done()
		return nil
	})

	for i := 0; i < messageCount; i++ {
		if err := bus.Publish(ctx, "load.topic", []byte("msg")); err != nil {
			t.Fatalf("publish %d failed: %v", i, err)
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if received.Load() != messageCount {
			t.Errorf("expected %d messages, got %d", messageCount, received.Load())
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout: received %d/%d messages", received.Load(), messageCount)
	}
}

func TestNew(t *testing.T) {
	t.Run("EmptyTypeIsChannel", func(t *testing.T) {
		b, err := New(domain.EventBusConfig{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		defer b.Close()
		if _, ok := b.(*ChannelBus); !ok {
			t.Errorf("expected *ChannelBus, got %T", b)
		}
	})

	t.Run("NATSRequiresURL", func(t *testing.T) {
		if _, err := New(domain.EventBusConfig{Type: "nats"}); err == nil {
			t.Error("expected error for nats without url")
		}
	})

	t.Run("UnknownType", func(t *testing.T) {
		if _, err := New(domain.EventBusConfig{Type: "kafka"}); err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}
