package kv

import (
	"context"
	"testing"
)

func TestMemory_GetMissingKey(t *testing.T) {
	m := New()
	_, ok, err := m.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for missing key")
	}
}

func TestMemory_PutThenGetRoundTrips(t *testing.T) {
	m := New()
	ctx := context.Background()
	if err := m.Put(ctx, "k", []byte("v1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok, err := m.Get(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if string(got) != "v1" {
		t.Fatalf("got %q, want v1", got)
	}
}

func TestMemory_GetReturnsDefensiveCopy(t *testing.T) {
	m := New()
	ctx := context.Background()
	_ = m.Put(ctx, "k", []byte("v1"))
	got, _, _ := m.Get(ctx, "k")
	got[0] = 'X'
	got2, _, _ := m.Get(ctx, "k")
	if string(got2) != "v1" {
		t.Fatalf("mutation of returned slice leaked into store: %q", got2)
	}
}
