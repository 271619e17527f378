package ristretto

import (
	"bytes"
	"context"
	"testing"

	"github.com/unkn0wn-root/layercache/layer"
)

func newTestLayer(t *testing.T) *Layer {
	t.Helper()
	l, err := New(Config{MaxCost: 1 << 20})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = l.Close(context.Background()) })
	return l
}

func TestInvalidConfig(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error for zero MaxCost")
	}
}

func TestRoundTripAndMiss(t *testing.T) {
	ctx := context.Background()
	l := newTestLayer(t)

	if _, err := l.Retrieve(ctx, "k"); !layer.IsMiss(err) {
		t.Fatalf("expected miss, got %v", err)
	}
	if err := l.Store(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	got, err := l.Retrieve(ctx, "k")
	if err != nil || !bytes.Equal(got, []byte("v")) {
		t.Fatalf("Retrieve: got=%q err=%v", got, err)
	}
	if err := l.Remove(ctx, "k"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := l.Retrieve(ctx, "k"); !layer.IsMiss(err) {
		t.Fatalf("expected miss after remove, got %v", err)
	}
	if err := l.Remove(ctx, "k"); err != nil {
		t.Fatalf("Remove absent: %v", err)
	}
}

func TestRemoveAll(t *testing.T) {
	ctx := context.Background()
	l := newTestLayer(t)
	_ = l.Store(ctx, "a", []byte("1"))
	_ = l.Store(ctx, "b", []byte("2"))
	if err := l.RemoveAll(ctx); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}
	for _, k := range []string{"a", "b"} {
		if _, err := l.Retrieve(ctx, k); !layer.IsMiss(err) {
			t.Fatalf("%s: expected miss after RemoveAll, got %v", k, err)
		}
	}
}
