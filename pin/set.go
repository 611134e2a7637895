package pin

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/ipfs/boxo/ipld/merkledag"
	"github.com/ipfs/go-cid"
	format "github.com/ipfs/go-ipld-format"
)

// Pin sets are persisted as a DAG. A set node carries an 8 byte header --
// uint32 fanout followed by uint32 member count, both big-endian. A node
// with fanout 0 lists its members directly as unnamed links, sorted by CID
// byte order. A node with fanout F carries F bucket links named "0".."F-1",
// each a recursively encoded disjoint subset; empty buckets link to a shared
// empty node. Bucket assignment hashes the member CID salted with the shard
// depth, so the same set always encodes to the same root CID and a small
// mutation only touches the affected buckets.
const (
	// DefaultSetFanout is the default number of buckets a sharded pin set
	// node is split into.
	DefaultSetFanout = 256
	// DefaultMaxSetSize is the default member count above which a pin set
	// node is sharded.
	DefaultMaxSetSize = 8192

	setHeaderSize = 8
)

// ErrMalformedPinSet is returned when a persisted pin set node cannot be
// decoded.
var ErrMalformedPinSet = errors.New("malformed pin set node")

func newEmptyNode() *merkledag.ProtoNode {
	n := new(merkledag.ProtoNode)
	n.SetCidBuilder(merkledag.V1CidPrefix())
	return n
}

var emptyNodeCid = newEmptyNode().Cid()

func setHeader(fanout, count uint32) []byte {
	buf := make([]byte, setHeaderSize)
	binary.BigEndian.PutUint32(buf[:4], fanout)
	binary.BigEndian.PutUint32(buf[4:], count)
	return buf
}

func parseSetHeader(data []byte) (fanout, count uint32, err error) {
	if len(data) != setHeaderSize {
		return 0, 0, fmt.Errorf("%w: header is %d bytes", ErrMalformedPinSet, len(data))
	}
	return binary.BigEndian.Uint32(data[:4]), binary.BigEndian.Uint32(data[4:]), nil
}

// setBucket assigns c to a bucket. The depth salt ensures members that
// collide at one shard level spread out at the next.
func setBucket(c cid.Cid, depth, fanout int) int {
	var salt [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(salt[:], uint64(depth))
	h := sha256.New()
	h.Write(salt[:n])
	h.Write(c.Bytes())
	sum := h.Sum(nil)
	return int(binary.BigEndian.Uint32(sum[:4]) % uint32(fanout))
}

// storeSet encodes keys as a set DAG and persists every node through adder,
// returning the root set node. Encoding the same set twice yields identical
// nodes.
func storeSet(ctx context.Context, adder format.NodeAdder, keys []cid.Cid, fanout, maxSize int) (*merkledag.ProtoNode, error) {
	if fanout <= 0 {
		fanout = DefaultSetFanout
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSetSize
	}
	set := make([]cid.Cid, len(keys))
	copy(set, keys)
	return storeSubSet(ctx, adder, set, 0, fanout, maxSize)
}

func storeSubSet(ctx context.Context, adder format.NodeAdder, keys []cid.Cid, depth, fanout, maxSize int) (*merkledag.ProtoNode, error) {
	if len(keys) <= maxSize {
		sort.Slice(keys, func(i, j int) bool {
			return bytes.Compare(keys[i].Bytes(), keys[j].Bytes()) < 0
		})
		n := merkledag.NodeWithData(setHeader(0, uint32(len(keys))))
		n.SetCidBuilder(merkledag.V1CidPrefix())
		for _, k := range keys {
			if err := n.AddRawLink("", &format.Link{Cid: k}); err != nil {
				return nil, fmt.Errorf("failed to add member link for %q: %w", k, err)
			}
		}
		if err := adder.Add(ctx, n); err != nil {
			return nil, fmt.Errorf("failed to store pin set node: %w", err)
		}
		return n, nil
	}

	buckets := make([][]cid.Cid, fanout)
	for _, k := range keys {
		i := setBucket(k, depth, fanout)
		buckets[i] = append(buckets[i], k)
	}

	empty := newEmptyNode()
	if err := adder.Add(ctx, empty); err != nil {
		return nil, fmt.Errorf("failed to store empty node: %w", err)
	}

	n := merkledag.NodeWithData(setHeader(uint32(fanout), uint32(len(keys))))
	n.SetCidBuilder(merkledag.V1CidPrefix())
	for i, bucket := range buckets {
		name := strconv.Itoa(i)
		if len(bucket) == 0 {
			if err := n.AddNodeLink(name, empty); err != nil {
				return nil, fmt.Errorf("failed to add bucket link %q: %w", name, err)
			}
			continue
		}
		child, err := storeSubSet(ctx, adder, bucket, depth+1, fanout, maxSize)
		if err != nil {
			return nil, err
		}
		if err := n.AddNodeLink(name, child); err != nil {
			return nil, fmt.Errorf("failed to add bucket link %q: %w", name, err)
		}
	}
	if err := adder.Add(ctx, n); err != nil {
		return nil, fmt.Errorf("failed to store pin set node: %w", err)
	}
	return n, nil
}

// childLink finds the link named name on node.
func childLink(node format.Node, name string) (*format.Link, error) {
	for _, l := range node.Links() {
		if l.Name == name {
			return l, nil
		}
	}
	return nil, fmt.Errorf("%w: missing %q link", ErrMalformedPinSet, name)
}

// loadSet expands the set linked from root under name back into a flat list
// of member CIDs.
func loadSet(ctx context.Context, ng format.NodeGetter, root format.Node, name string) ([]cid.Cid, error) {
	link, err := childLink(root, name)
	if err != nil {
		return nil, err
	}
	node, err := link.GetNode(ctx, ng)
	if err != nil {
		return nil, fmt.Errorf("failed to get pin set %q: %w", name, err)
	}
	set := cid.NewSet()
	if err := loadSetNode(ctx, ng, node, set); err != nil {
		return nil, err
	}
	return set.Keys(), nil
}

func loadSetNode(ctx context.Context, ng format.NodeGetter, node format.Node, set *cid.Set) error {
	pn, ok := node.(*merkledag.ProtoNode)
	if !ok {
		return fmt.Errorf("%w: unexpected node type %T", ErrMalformedPinSet, node)
	}
	fanout, _, err := parseSetHeader(pn.Data())
	if err != nil {
		return fmt.Errorf("pin set node %q: %w", pn.Cid(), err)
	}

	if fanout == 0 {
		for _, l := range pn.Links() {
			set.Add(l.Cid)
		}
		return nil
	}
	for _, l := range pn.Links() {
		if l.Cid.Equals(emptyNodeCid) {
			continue
		}
		child, err := l.GetNode(ctx, ng)
		if err != nil {
			return fmt.Errorf("failed to get pin set bucket %q: %w", l.Name, err)
		}
		if err := loadSetNode(ctx, ng, child, set); err != nil {
			return err
		}
	}
	return nil
}

// setContains reports whether c is a member of the encoded set rooted at
// node. Only the bucket path implied by c's hash is fetched, so membership
// checks stay sub-linear in the size of sharded sets.
func setContains(ctx context.Context, ng format.NodeGetter, node format.Node, c cid.Cid) (bool, error) {
	return setContainsAt(ctx, ng, node, c, 0)
}

func setContainsAt(ctx context.Context, ng format.NodeGetter, node format.Node, c cid.Cid, depth int) (bool, error) {
	pn, ok := node.(*merkledag.ProtoNode)
	if !ok {
		return false, fmt.Errorf("%w: unexpected node type %T", ErrMalformedPinSet, node)
	}
	fanout, _, err := parseSetHeader(pn.Data())
	if err != nil {
		return false, fmt.Errorf("pin set node %q: %w", pn.Cid(), err)
	}

	if fanout == 0 {
		for _, l := range pn.Links() {
			if l.Cid.Equals(c) {
				return true, nil
			}
		}
		return false, nil
	}

	name := strconv.Itoa(setBucket(c, depth, int(fanout)))
	link, err := childLink(pn, name)
	if err != nil {
		return false, err
	}
	if link.Cid.Equals(emptyNodeCid) {
		return false, nil
	}
	child, err := link.GetNode(ctx, ng)
	if err != nil {
		return false, fmt.Errorf("failed to get pin set bucket %q: %w", name, err)
	}
	return setContainsAt(ctx, ng, child, c, depth+1)
}

// internalCids enumerates every CID the set encoding uses for itself: the
// direct and recursive set nodes, their bucket nodes, and the shared empty
// node. Member CIDs are not included.
func internalCids(ctx context.Context, ng format.NodeGetter, root format.Node) ([]cid.Cid, error) {
	set := cid.NewSet()
	set.Add(emptyNodeCid)
	for _, name := range []string{linkDirect, linkRecursive} {
		link, err := childLink(root, name)
		if err != nil {
			return nil, err
		}
		node, err := link.GetNode(ctx, ng)
		if err != nil {
			return nil, fmt.Errorf("failed to get pin set %q: %w", name, err)
		}
		if err := internalSetCids(ctx, ng, node, set); err != nil {
			return nil, err
		}
	}
	return set.Keys(), nil
}

func internalSetCids(ctx context.Context, ng format.NodeGetter, node format.Node, set *cid.Set) error {
	pn, ok := node.(*merkledag.ProtoNode)
	if !ok {
		return fmt.Errorf("%w: unexpected node type %T", ErrMalformedPinSet, node)
	}
	fanout, _, err := parseSetHeader(pn.Data())
	if err != nil {
		return fmt.Errorf("pin set node %q: %w", pn.Cid(), err)
	}
	set.Add(pn.Cid())

	if fanout == 0 {
		return nil
	}
	for _, l := range pn.Links() {
		if l.Cid.Equals(emptyNodeCid) {
			continue
		}
		child, err := l.GetNode(ctx, ng)
		if err != nil {
			return fmt.Errorf("failed to get pin set bucket %q: %w", l.Name, err)
		}
		if err := internalSetCids(ctx, ng, child, set); err != nil {
			return err
		}
	}
	return nil
}
