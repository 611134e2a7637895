package pin

import (
	"context"
	"fmt"
	"sync"

	"github.com/ipfs/boxo/ipld/merkledag"
	"github.com/ipfs/go-cid"
	"golang.org/x/sync/errgroup"
)

// DefaultWalkConcurrency is the default bound on in-flight link fetches
// during a DAG walk.
const DefaultWalkConcurrency = 300

// Walk traverses the DAG reachable from roots, calling visit exactly once
// per unique CID. Sibling branches are explored concurrently with at most
// concurrency link fetches in flight at a time. Returning false from visit
// prunes the walk below that node. The first failed fetch aborts the entire
// walk; cancelling ctx stops it early.
//
// visit may be called from multiple goroutines.
func Walk(ctx context.Context, getLinks merkledag.GetLinks, roots []cid.Cid, visit func(cid.Cid) bool, concurrency int) error {
	if concurrency <= 0 {
		concurrency = DefaultWalkConcurrency
	}

	g, ctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, concurrency)

	var mu sync.Mutex
	seen := cid.NewSet()

	var walkNode func(c cid.Cid) error
	walkNode = func(c cid.Cid) error {
		mu.Lock()
		fresh := seen.Visit(c)
		mu.Unlock()
		if !fresh || !visit(c) {
			return nil
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		links, err := getLinks(ctx, c)
		<-sem
		if err != nil {
			return fmt.Errorf("failed to get links for %q: %w", c, err)
		}

		for _, link := range links {
			child := link.Cid
			g.Go(func() error {
				return walkNode(child)
			})
		}
		return nil
	}

	for _, root := range roots {
		root := root
		g.Go(func() error {
			return walkNode(root)
		})
	}
	return g.Wait()
}
