package core

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type flakyStore struct {
	*MemoryStore
	fail atomic.Bool
}

func (f *flakyStore) Save(ctx context.Context, key string, v interface{}) error {
	if f.fail.Load() {
		return &StorageError{Op: "save", Key: key, Err: errors.New("disk full")}
	}
	return f.MemoryStore.Save(ctx, key, v)
}

func TestSnapshotWriter_LatestWins(t *testing.T) {
	store := NewMemoryStore()
	w := NewSnapshotWriter(store, zerolog.Nop())

	w.Save("k", storedState{Count: 1})
	w.Save("k", storedState{Count: 2})
	if w.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", w.Pending())
	}
	if err := w.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	var got storedState
	if err := store.Load(context.Background(), "k", &got); err != nil {
		t.Fatal(err)
	}
	if got.Count != 2 {
		t.Errorf("Count = %d, want latest snapshot 2", got.Count)
	}
}

func TestSnapshotWriter_RetriesAfterFailure(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	store.fail.Store(true)
	w := NewSnapshotWriter(store, zerolog.Nop())

	var reported atomic.Int32
	w.OnError(func(string, error) { reported.Add(1) })

	w.Save("k", storedState{Count: 5})
	if err := w.Flush(context.Background()); err == nil {
		t.Fatal("expected flush error")
	}
	if reported.Load() != 1 {
		t.Errorf("error callback called %d times", reported.Load())
	}
	if w.Pending() != 1 {
		t.Fatalf("failed snapshot should stay queued, pending = %d", w.Pending())
	}

	store.fail.Store(false)
	if err := w.Flush(context.Background()); err != nil {
		t.Fatalf("retry flush: %v", err)
	}
	var got storedState
	if err := store.Load(context.Background(), "k", &got); err != nil || got.Count != 5 {
		t.Errorf("retried snapshot not written: %+v, %v", got, err)
	}
}

func TestSnapshotWriter_ServeDrainsOnSignal(t *testing.T) {
	store := NewMemoryStore()
	w := NewSnapshotWriter(store, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Serve(ctx)
		close(done)
	}()

	w.Save("k", storedState{Count: 9})
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := store.Raw("k"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("writer loop did not persist snapshot")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
}

func TestSnapshotWriter_NilStoreNoop(t *testing.T) {
	w := NewSnapshotWriter(nil, zerolog.Nop())
	w.Save("k", 1)
	if err := w.Flush(context.Background()); err != nil {
		t.Errorf("nil store flush: %v", err)
	}
}
