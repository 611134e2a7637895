package badger_test

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/ipfs/boxo/blockstore"
	blocks "github.com/ipfs/go-block-format"
	ds "github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	"go.sia.tech/pinner/persist/badger"
	"go.uber.org/zap/zaptest"
	"lukechampine.com/frand"
)

func newTestStore(t *testing.T) *badger.Store {
	t.Helper()
	log := zaptest.NewLogger(t)
	store, err := badger.OpenDatabase(filepath.Join(t.TempDir(), "pinner.badgerdb"), log.Named("badger"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	key := ds.NewKey("/local/pins")
	if _, err := store.Get(ctx, key); !errors.Is(err, ds.ErrNotFound) {
		t.Fatalf("expected ds.ErrNotFound, got %v", err)
	}
	if exists, err := store.Has(ctx, key); err != nil {
		t.Fatal(err)
	} else if exists {
		t.Fatal("expected key to be missing")
	}

	value := frand.Bytes(64)
	if err := store.Put(ctx, key, value); err != nil {
		t.Fatal(err)
	} else if err := store.Sync(ctx, key); err != nil {
		t.Fatal(err)
	}

	if got, err := store.Get(ctx, key); err != nil {
		t.Fatal(err)
	} else if !bytes.Equal(got, value) {
		t.Fatal("unexpected value")
	}
	if size, err := store.GetSize(ctx, key); err != nil {
		t.Fatal(err)
	} else if size != len(value) {
		t.Fatalf("expected size %d, got %d", len(value), size)
	}
	if exists, err := store.Has(ctx, key); err != nil {
		t.Fatal(err)
	} else if !exists {
		t.Fatal("expected key to exist")
	}

	if err := store.Delete(ctx, key); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get(ctx, key); !errors.Is(err, ds.ErrNotFound) {
		t.Fatalf("expected ds.ErrNotFound after delete, got %v", err)
	}
	// deleting a missing key is not an error
	if err := store.Delete(ctx, key); err != nil {
		t.Fatal(err)
	}
}

func TestQuery(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for i := 0; i < 10; i++ {
		if err := store.Put(ctx, ds.NewKey("/blocks").ChildString(string(rune('a'+i))), frand.Bytes(16)); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.Put(ctx, ds.NewKey("/local/pins"), frand.Bytes(16)); err != nil {
		t.Fatal(err)
	}

	results, err := store.Query(ctx, query.Query{Prefix: "/blocks"})
	if err != nil {
		t.Fatal(err)
	}
	entries, err := results.Rest()
	if err != nil {
		t.Fatal(err)
	} else if len(entries) != 10 {
		t.Fatalf("expected 10 entries, got %d", len(entries))
	}
	for _, entry := range entries {
		if len(entry.Value) != 16 {
			t.Fatalf("expected values to be returned, got %d bytes", len(entry.Value))
		}
	}

	results, err = store.Query(ctx, query.Query{Prefix: "/blocks", KeysOnly: true, Limit: 3})
	if err != nil {
		t.Fatal(err)
	}
	entries, err = results.Rest()
	if err != nil {
		t.Fatal(err)
	} else if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
}

func TestBatch(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	batch, err := store.Batch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	keys := make([]ds.Key, 5)
	for i := range keys {
		keys[i] = ds.NewKey("/batch").ChildString(string(rune('a' + i)))
		if err := batch.Put(ctx, keys[i], frand.Bytes(8)); err != nil {
			t.Fatal(err)
		}
	}
	// nothing is visible until the batch commits
	if exists, err := store.Has(ctx, keys[0]); err != nil {
		t.Fatal(err)
	} else if exists {
		t.Fatal("expected batch writes to be invisible before commit")
	}

	if err := batch.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	for _, key := range keys {
		if exists, err := store.Has(ctx, key); err != nil {
			t.Fatal(err)
		} else if !exists {
			t.Fatalf("expected key %q after commit", key)
		}
	}
}

func TestBlockstore(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	// the store doubles as the backing datastore for a blockstore
	bs := blockstore.NewBlockstore(store)
	block := blocks.NewBlock(frand.Bytes(256))
	if err := bs.Put(ctx, block); err != nil {
		t.Fatal(err)
	}

	got, err := bs.Get(ctx, block.Cid())
	if err != nil {
		t.Fatal(err)
	} else if !bytes.Equal(got.RawData(), block.RawData()) {
		t.Fatal("unexpected block data")
	}
	if ok, err := bs.Has(ctx, block.Cid()); err != nil {
		t.Fatal(err)
	} else if !ok {
		t.Fatal("expected block to exist")
	}

	if err := bs.DeleteBlock(ctx, block.Cid()); err != nil {
		t.Fatal(err)
	}
	if ok, err := bs.Has(ctx, block.Cid()); err != nil {
		t.Fatal(err)
	} else if ok {
		t.Fatal("expected block to be deleted")
	}
}
