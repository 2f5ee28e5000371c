package grpc

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// dialNoWait opens a lazily-connecting ClientConn: without grpc.WithBlock
// DialContext never waits on or requires an actual listener, so the
// connManager tests can exercise a real *grpc.ClientConn lifecycle
// (including Close) without a live peer.
func dialNoWait(dials *int32) func(ctx context.Context, target string) (*grpc.ClientConn, error) {
	return func(ctx context.Context, target string) (*grpc.ClientConn, error) {
		atomic.AddInt32(dials, 1)
		return grpc.DialContext(ctx, target, grpc.WithTransportCredentials(insecure.NewCredentials())) //nolint:staticcheck
	}
}

func TestConnManager_GetReusesExistingConnection(t *testing.T) {
	var dials int32
	m := newConnManager(time.Minute, dialNoWait(&dials))
	defer m.close()

	cc1, release1, err := m.get(context.Background(), "peer-a:1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	release1()
	cc2, release2, err := m.get(context.Background(), "peer-a:1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	release2()

	if cc1 != cc2 {
		t.Fatal("expected the second get to reuse the same connection")
	}
	if got := atomic.LoadInt32(&dials); got != 1 {
		t.Fatalf("dialer called %d times, want 1", got)
	}
}

func TestConnManager_JanitorEvictsIdleUnreferencedConnections(t *testing.T) {
	var dials int32
	m := newConnManager(20*time.Millisecond, dialNoWait(&dials))
	defer m.close()

	_, release, err := m.get(context.Background(), "peer-a:1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	release()

	deadline := time.After(2 * time.Second)
	for {
		m.mu.Lock()
		_, present := m.conns["peer-a:1"]
		m.mu.Unlock()
		if !present {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for idle eviction")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if _, _, err := m.get(context.Background(), "peer-a:1"); err != nil {
		t.Fatalf("get after eviction: %v", err)
	}
	if got := atomic.LoadInt32(&dials); got != 2 {
		t.Fatalf("dialer called %d times after eviction, want 2", got)
	}
}
