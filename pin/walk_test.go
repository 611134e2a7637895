package pin

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ipfs/boxo/ipld/merkledag"
	"github.com/ipfs/go-cid"
	format "github.com/ipfs/go-ipld-format"
)

func addNode(t *testing.T, dserv format.DAGService, data []byte, children ...format.Node) *merkledag.ProtoNode {
	t.Helper()
	n := merkledag.NodeWithData(data)
	n.SetCidBuilder(merkledag.V1CidPrefix())
	for _, child := range children {
		if err := n.AddNodeLink("", child); err != nil {
			t.Fatal(err)
		}
	}
	if err := dserv.Add(context.Background(), n); err != nil {
		t.Fatal(err)
	}
	return n
}

func TestWalkVisitsOnce(t *testing.T) {
	dserv := newTestDAG()

	// diamond: a -> (b, c), b -> d, c -> d
	d := addNode(t, dserv, []byte("d"))
	b := addNode(t, dserv, []byte("b"), d)
	c := addNode(t, dserv, []byte("c"), d)
	a := addNode(t, dserv, []byte("a"), b, c)

	var mu sync.Mutex
	visits := make(map[cid.Cid]int)
	err := Walk(context.Background(), merkledag.GetLinksDirect(dserv), []cid.Cid{a.Cid()}, func(c cid.Cid) bool {
		mu.Lock()
		visits[c]++
		mu.Unlock()
		return true
	}, 4)
	if err != nil {
		t.Fatal(err)
	}

	if len(visits) != 4 {
		t.Fatalf("expected 4 nodes visited, got %d", len(visits))
	}
	for c, n := range visits {
		if n != 1 {
			t.Fatalf("node %q visited %d times", c, n)
		}
	}
}

func TestWalkPrune(t *testing.T) {
	dserv := newTestDAG()

	// chain: a -> b -> c
	c := addNode(t, dserv, []byte("c"))
	b := addNode(t, dserv, []byte("b"), c)
	a := addNode(t, dserv, []byte("a"), b)

	var mu sync.Mutex
	visited := cid.NewSet()
	err := Walk(context.Background(), merkledag.GetLinksDirect(dserv), []cid.Cid{a.Cid()}, func(v cid.Cid) bool {
		mu.Lock()
		visited.Add(v)
		mu.Unlock()
		return !v.Equals(b.Cid())
	}, 4)
	if err != nil {
		t.Fatal(err)
	}

	if !visited.Has(a.Cid()) || !visited.Has(b.Cid()) {
		t.Fatal("expected a and b to be visited")
	} else if visited.Has(c.Cid()) {
		t.Fatal("expected the walk to be pruned before c")
	}
}

func TestWalkFailFast(t *testing.T) {
	dserv := newTestDAG()

	// b links to a block that was never stored
	missing := randomCids(t, 1)[0]
	b := merkledag.NodeWithData([]byte("b"))
	b.SetCidBuilder(merkledag.V1CidPrefix())
	if err := b.AddRawLink("", &format.Link{Cid: missing}); err != nil {
		t.Fatal(err)
	} else if err := dserv.Add(context.Background(), b); err != nil {
		t.Fatal(err)
	}
	a := addNode(t, dserv, []byte("a"), b)

	err := Walk(context.Background(), merkledag.GetLinksDirect(dserv), []cid.Cid{a.Cid()}, func(cid.Cid) bool {
		return true
	}, 4)
	if err == nil {
		t.Fatal("expected walk to fail on the missing block")
	}
}

func TestWalkConcurrencyBound(t *testing.T) {
	root := randomCids(t, 1)[0]
	children := randomCids(t, 16)

	var inflight, maxInflight atomic.Int64
	getLinks := func(ctx context.Context, c cid.Cid) ([]*format.Link, error) {
		n := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			prev := maxInflight.Load()
			if n <= prev || maxInflight.CompareAndSwap(prev, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)

		if !c.Equals(root) {
			return nil, nil
		}
		links := make([]*format.Link, 0, len(children))
		for _, child := range children {
			links = append(links, &format.Link{Cid: child})
		}
		return links, nil
	}

	if err := Walk(context.Background(), getLinks, []cid.Cid{root}, func(cid.Cid) bool {
		return true
	}, 3); err != nil {
		t.Fatal(err)
	}
	if n := maxInflight.Load(); n > 3 {
		t.Fatalf("expected at most 3 in-flight fetches, got %d", n)
	}
}

func TestWalkCancel(t *testing.T) {
	root := randomCids(t, 1)[0]

	ctx, cancel := context.WithCancel(context.Background())
	getLinks := func(ctx context.Context, c cid.Cid) ([]*format.Link, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}

	err := Walk(ctx, getLinks, []cid.Cid{root}, func(cid.Cid) bool { return true }, 4)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
