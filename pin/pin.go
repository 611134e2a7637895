// Package pin tracks which CIDs in a DAG service are protected from garbage
// collection. Pins come in two stored flavors -- direct pins, which protect a
// single node, and recursive pins, which protect a node and everything
// reachable from it -- plus the derived indirect classification for nodes
// reachable from a recursive pin. The pin sets are persisted through a
// datastore as a sharded merkle DAG, so sets with millions of members stay
// cheap to store, load, and deduplicate across snapshots.
package pin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ipfs/boxo/ipld/merkledag"
	"github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"
	format "github.com/ipfs/go-ipld-format"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// A Mode identifies how a CID is pinned.
type Mode string

const (
	// Direct pins protect exactly one node.
	Direct Mode = "direct"
	// Recursive pins protect a node and everything reachable from it.
	Recursive Mode = "recursive"
	// Indirect identifies nodes reachable from a recursive pin that are
	// not themselves pinned recursively. Indirect pins are derived, never
	// stored.
	Indirect Mode = "indirect"
	// Any matches any of the other modes.
	Any Mode = "all"
)

// DefaultScanConcurrency is the default bound on concurrent root scans
// during a descendant search.
const DefaultScanConcurrency = 300

var (
	// ErrInvalidPinMode is returned when a pin mode string is not one of
	// "direct", "recursive", "indirect", or "all".
	ErrInvalidPinMode = errors.New("invalid pin mode")
	// ErrNotPinned is returned when unpinning a CID that is not pinned.
	ErrNotPinned = errors.New("not pinned")
)

// pinDatastoreKey is the fixed datastore key the pin root CID is stored
// under.
var pinDatastoreKey = ds.NewKey("/local/pins")

// link names on the persisted pin root node
const (
	linkDirect    = "direct"
	linkRecursive = "recursive"
)

// ParseMode validates a pin mode string. Unknown strings are rejected with
// ErrInvalidPinMode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case Direct, Recursive, Indirect, Any:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPinMode, s)
	}
}

type (
	// A ManagerOption configures a Manager.
	ManagerOption func(*Manager)

	// A Manager tracks the set of pinned CIDs and persists it through a
	// datastore and a DAG service. The in-memory sets are the source of
	// truth while the process runs; Flush derives the persisted encoding
	// from them. All methods are safe for concurrent use: queries take a
	// shared lock, mutations and Load take an exclusive one.
	Manager struct {
		store ds.Datastore
		dag   format.DAGService
		log   *zap.Logger

		walkConcurrency int
		scanConcurrency int
		setFanout       int
		maxSetSize      int

		mu          sync.RWMutex
		directPins  *cid.Set
		recursePins *cid.Set
	}
)

// WithLogger sets the logger used by the manager.
func WithLogger(log *zap.Logger) ManagerOption {
	return func(m *Manager) { m.log = log }
}

// WithWalkConcurrency bounds the number of in-flight node fetches during
// full DAG walks.
func WithWalkConcurrency(n int) ManagerOption {
	return func(m *Manager) { m.walkConcurrency = n }
}

// WithScanConcurrency bounds the number of concurrently scanned recursive
// roots during a descendant search. It is independent of the walk bound.
func WithScanConcurrency(n int) ManagerOption {
	return func(m *Manager) { m.scanConcurrency = n }
}

// WithSetFanout sets the bucket fanout of the persisted pin set encoding.
func WithSetFanout(n int) ManagerOption {
	return func(m *Manager) { m.setFanout = n }
}

// WithMaxSetSize sets the member count above which a persisted pin set node
// is sharded into buckets.
func WithMaxSetSize(n int) ManagerOption {
	return func(m *Manager) { m.maxSetSize = n }
}

// NewManager creates a pin manager backed by the given datastore and DAG
// service. Load should be called once at startup to hydrate the pin sets
// from storage.
func NewManager(store ds.Datastore, dserv format.DAGService, opts ...ManagerOption) *Manager {
	m := &Manager{
		store: store,
		dag:   dserv,
		log:   zap.NewNop(),

		walkConcurrency: DefaultWalkConcurrency,
		scanConcurrency: DefaultScanConcurrency,
		setFanout:       DefaultSetFanout,
		maxSetSize:      DefaultMaxSetSize,

		directPins:  cid.NewSet(),
		recursePins: cid.NewSet(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Pin marks c as pinned. A recursive pin first fetches the complete DAG
// below c so the pin never references content that cannot be retrieved
// later. Flush must be called for the change to survive a restart.
func (m *Manager) Pin(ctx context.Context, c cid.Cid, recursive bool) error {
	if recursive {
		if err := m.FetchDAG(ctx, c); err != nil {
			return fmt.Errorf("failed to fetch dag for %q: %w", c, err)
		}
		m.mu.Lock()
		m.recursePins.Add(c)
		m.mu.Unlock()
	} else {
		if _, err := m.dag.Get(ctx, c); err != nil {
			return fmt.Errorf("failed to get node %q: %w", c, err)
		}
		m.mu.Lock()
		m.directPins.Add(c)
		m.mu.Unlock()
	}
	m.log.Debug("pinned", zap.Stringer("cid", c), zap.Bool("recursive", recursive))
	return nil
}

// Unpin removes the pin on c. A recursively pinned CID can only be removed
// with recursive set. Unpinning a CID that is not pinned returns
// ErrNotPinned.
func (m *Manager) Unpin(ctx context.Context, c cid.Cid, recursive bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.recursePins.Has(c):
		if !recursive {
			return fmt.Errorf("%q is pinned recursively", c)
		}
		m.recursePins.Remove(c)
	case m.directPins.Has(c):
		m.directPins.Remove(c)
	default:
		return fmt.Errorf("failed to unpin %q: %w", c, ErrNotPinned)
	}
	m.log.Debug("unpinned", zap.Stringer("cid", c))
	return nil
}

// DirectKeys returns a snapshot of the directly pinned CIDs.
func (m *Manager) DirectKeys() []cid.Cid {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.directPins.Keys()
}

// RecursiveKeys returns a snapshot of the recursively pinned CIDs.
func (m *Manager) RecursiveKeys() []cid.Cid {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.recursePins.Keys()
}

// IndirectKeys walks every recursively pinned DAG and returns the CIDs
// reachable from a recursive pin that are not themselves recursive pins.
// A single failed fetch aborts the walk, since a partial result would be
// unsafe to feed to the garbage collector.
func (m *Manager) IndirectKeys(ctx context.Context) ([]cid.Cid, error) {
	roots := m.RecursiveKeys()

	var mu sync.Mutex
	reached := cid.NewSet()
	sess := merkledag.NewSession(ctx, m.dag)
	err := Walk(ctx, merkledag.GetLinksWithDAG(sess), roots, func(c cid.Cid) bool {
		mu.Lock()
		reached.Add(c)
		mu.Unlock()
		return true
	}, m.walkConcurrency)
	if err != nil {
		return nil, fmt.Errorf("failed to walk recursive pins: %w", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	var indirect []cid.Cid
	for _, c := range reached.Keys() {
		if !m.recursePins.Has(c) {
			indirect = append(indirect, c)
		}
	}
	return indirect, nil
}

// IsPinnedWithType reports whether c is pinned with the given mode. For Any
// and Indirect queries that miss the stored sets, every recursively pinned
// DAG is scanned for c, cancelling the remaining scans as soon as one root
// confirms descendance. The returned reason is the pin mode, or the CID of
// the confirming recursive root for indirect pins.
func (m *Manager) IsPinnedWithType(ctx context.Context, c cid.Cid, mode Mode) (reason string, pinned bool, err error) {
	m.mu.RLock()
	recursive := m.recursePins.Has(c)
	direct := m.directPins.Has(c)
	roots := m.recursePins.Keys()
	m.mu.RUnlock()

	switch mode {
	case Recursive:
		if recursive {
			return string(Recursive), true, nil
		}
		return "", false, nil
	case Direct:
		if direct {
			return string(Direct), true, nil
		}
		return "", false, nil
	case Indirect, Any:
	default:
		return "", false, fmt.Errorf("%w: %q", ErrInvalidPinMode, mode)
	}

	// a recursive pin always takes precedence over an indirect
	// classification, even if c is also reachable from another root
	if recursive {
		return string(Recursive), true, nil
	}
	if mode == Any && direct {
		return string(Direct), true, nil
	}

	root, found, err := m.findDescendantRoot(ctx, roots, c)
	if err != nil {
		return "", false, err
	} else if !found {
		return "", false, nil
	}
	return root.String(), true, nil
}

// findDescendantRoot scans the recursively pinned roots for one whose DAG
// contains c. Remaining scans are cancelled as soon as a match is found.
func (m *Manager) findDescendantRoot(ctx context.Context, roots []cid.Cid, c cid.Cid) (cid.Cid, bool, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess := merkledag.NewSession(ctx, m.dag)
	getLinks := merkledag.GetLinksWithDAG(sess)

	var mu sync.Mutex
	var match cid.Cid

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.scanConcurrency)
	for _, root := range roots {
		root := root
		g.Go(func() error {
			found, err := m.hasDescendant(gctx, getLinks, root, c)
			if err != nil {
				return err
			}
			if found {
				mu.Lock()
				if !match.Defined() {
					match = root
				}
				mu.Unlock()
				cancel()
			}
			return nil
		})
	}
	err := g.Wait()

	mu.Lock()
	defer mu.Unlock()
	if match.Defined() {
		// cancellation errors from the losing scans are expected
		return match, true, nil
	} else if err != nil {
		return cid.Undef, false, fmt.Errorf("failed to scan recursive pins: %w", err)
	}
	return cid.Undef, false, nil
}

// hasDescendant reports whether target is reachable from root. The walk is
// cancelled as soon as target is found.
func (m *Manager) hasDescendant(ctx context.Context, getLinks merkledag.GetLinks, root, target cid.Cid) (bool, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var found atomic.Bool
	err := Walk(ctx, getLinks, []cid.Cid{root}, func(c cid.Cid) bool {
		if c.Equals(target) {
			found.Store(true)
			cancel()
			return false
		}
		return true
	}, m.walkConcurrency)
	if found.Load() {
		return true, nil
	} else if err != nil {
		return false, err
	}
	return false, nil
}

// FlushedPin reports whether c is a member of the persisted pin set of the
// given mode, following only c's bucket path through the stored encoding.
// It consults storage, not the in-memory sets, so it only reflects state as
// of the last Flush. Only Direct and Recursive name stored sets.
func (m *Manager) FlushedPin(ctx context.Context, c cid.Cid, mode Mode) (bool, error) {
	var name string
	switch mode {
	case Direct:
		name = linkDirect
	case Recursive:
		name = linkRecursive
	default:
		return false, fmt.Errorf("%w: no stored set for %q", ErrInvalidPinMode, mode)
	}

	root, _, err := m.loadPinRoot(ctx)
	if errors.Is(err, ds.ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}

	link, err := childLink(root, name)
	if err != nil {
		return false, err
	}
	node, err := link.GetNode(ctx, m.dag)
	if err != nil {
		return false, fmt.Errorf("failed to get pin set %q: %w", name, err)
	}
	return setContains(ctx, m.dag, node, c)
}

// Flush persists the current pin sets. The direct and recursive set trees
// are built in parallel, linked under a single root node, and the root CID
// is written to the datastore. The encoding is deterministic, so flushing
// an unchanged manager rewrites the same root.
func (m *Manager) Flush(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var dnode, rnode *merkledag.ProtoNode
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		dnode, err = storeSet(gctx, m.dag, m.directPins.Keys(), m.setFanout, m.maxSetSize)
		return
	})
	g.Go(func() (err error) {
		rnode, err = storeSet(gctx, m.dag, m.recursePins.Keys(), m.setFanout, m.maxSetSize)
		return
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to store pin sets: %w", err)
	}

	if err := m.dag.Add(ctx, newEmptyNode()); err != nil {
		return fmt.Errorf("failed to store empty node: %w", err)
	}

	root := new(merkledag.ProtoNode)
	root.SetCidBuilder(merkledag.V1CidPrefix())
	if err := root.AddNodeLink(linkDirect, dnode); err != nil {
		return fmt.Errorf("failed to link direct set: %w", err)
	} else if err := root.AddNodeLink(linkRecursive, rnode); err != nil {
		return fmt.Errorf("failed to link recursive set: %w", err)
	} else if err := m.dag.Add(ctx, root); err != nil {
		return fmt.Errorf("failed to store pin root: %w", err)
	}

	if err := m.store.Put(ctx, pinDatastoreKey, root.Cid().Bytes()); err != nil {
		return fmt.Errorf("failed to put pin root in datastore: %w", err)
	} else if err := m.store.Sync(ctx, pinDatastoreKey); err != nil {
		return fmt.Errorf("failed to sync pin root: %w", err)
	}
	m.log.Debug("flushed pins",
		zap.Stringer("root", root.Cid()),
		zap.Int("direct", m.directPins.Len()),
		zap.Int("recursive", m.recursePins.Len()))
	return nil
}

// Load hydrates the pin sets from the datastore, replacing the in-memory
// sets wholesale. A missing pin root is a valid fresh-repo state and leaves
// the sets empty. On any failure the in-memory sets are left untouched.
func (m *Manager) Load(ctx context.Context) error {
	root, rootCid, err := m.loadPinRoot(ctx)
	if errors.Is(err, ds.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}

	direct, err := loadSet(ctx, m.dag, root, linkDirect)
	if err != nil {
		return fmt.Errorf("failed to load direct pins: %w", err)
	}
	recursive, err := loadSet(ctx, m.dag, root, linkRecursive)
	if err != nil {
		return fmt.Errorf("failed to load recursive pins: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.directPins = cid.NewSet()
	for _, c := range direct {
		m.directPins.Add(c)
	}
	m.recursePins = cid.NewSet()
	for _, c := range recursive {
		m.recursePins.Add(c)
	}
	m.log.Debug("loaded pins",
		zap.Stringer("root", rootCid),
		zap.Int("direct", len(direct)),
		zap.Int("recursive", len(recursive)))
	return nil
}

// InternalPins returns the pin root CID and every CID used internally by
// the pin set encoding. The garbage collector uses these to distinguish pin
// bookkeeping blocks from pinned content. A repo that has never been
// flushed has no internal pins.
func (m *Manager) InternalPins(ctx context.Context) ([]cid.Cid, error) {
	root, rootCid, err := m.loadPinRoot(ctx)
	if errors.Is(err, ds.ErrNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	internal, err := internalCids(ctx, m.dag, root)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate pin set nodes: %w", err)
	}
	return append([]cid.Cid{rootCid}, internal...), nil
}

// FetchDAG ensures every block reachable from root is available locally by
// walking and fetching the complete DAG. It has no effect on the pin sets.
func (m *Manager) FetchDAG(ctx context.Context, root cid.Cid) error {
	sess := merkledag.NewSession(ctx, m.dag)
	return Walk(ctx, merkledag.GetLinksWithDAG(sess), []cid.Cid{root}, func(cid.Cid) bool {
		return true
	}, m.walkConcurrency)
}

// loadPinRoot reads the pin root CID from the datastore and fetches the
// root node. A missing key is surfaced as ds.ErrNotFound for callers that
// treat an unflushed repo as a valid empty state.
func (m *Manager) loadPinRoot(ctx context.Context) (format.Node, cid.Cid, error) {
	buf, err := m.store.Get(ctx, pinDatastoreKey)
	if errors.Is(err, ds.ErrNotFound) {
		return nil, cid.Undef, err
	} else if err != nil {
		return nil, cid.Undef, fmt.Errorf("failed to get pin root from datastore: %w", err)
	}

	rootCid, err := cid.Cast(buf)
	if err != nil {
		return nil, cid.Undef, fmt.Errorf("failed to parse pin root: %w", err)
	}
	root, err := m.dag.Get(ctx, rootCid)
	if err != nil {
		return nil, cid.Undef, fmt.Errorf("failed to get pin root %q: %w", rootCid, err)
	}
	return root, rootCid, nil
}
