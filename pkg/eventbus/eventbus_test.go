package eventbus

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/chronicle-db/chronicle/pkg/chronicle"
)

func TestBus_PublishFansOutToAllSubscribers(t *testing.T) {
	b := New(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch1 := b.SubscribeMetadata(ctx)
	ch2 := b.SubscribeMetadata(ctx)
	if got := b.SubscriberCount(); got != 2 {
		t.Fatalf("SubscriberCount = %d, want 2", got)
	}

	ev := chronicle.MetadataEvent{Kind: chronicle.EvNewHistory, HistoryID: "h1"}
	b.Publish(ev)

	for _, ch := range []<-chan chronicle.MetadataEvent{ch1, ch2} {
		select {
		case got := <-ch:
			if got.HistoryID != "h1" {
				t.Fatalf("got %+v", got)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestBus_PublishDropsOnFullChannelWithoutBlocking(t *testing.T) {
	b := New(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.SubscribeMetadata(ctx)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 64; i++ {
			b.Publish(chronicle.MetadataEvent{Kind: chronicle.EvNewConfig})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber channel")
	}
}

func TestBus_SubscriptionClosesOnContextDone(t *testing.T) {
	b := New(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	ch := b.SubscribeMetadata(ctx)
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}
