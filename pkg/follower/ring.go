package follower

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"erc20-relay/pkg/shared"
)

// ringEntry collects everything observed for one block height: the canonical
// header hash once a header arrives, and the unconfirmed events recorded
// against that height. Events whose block hash does not match the canonical
// hash at release time belong to a displaced block and are never emitted.
type ringEntry struct {
	hash       common.Hash
	parentHash common.Hash
	events     []shared.TransferEvent
}

// ring is the sliding window of pending blocks between the chain head and
// the confirmed head. Lookback and ingest insert into it as well, so the
// confirmation gate is identical for every source of events.
type ring struct {
	depth  uint64
	blocks map[uint64]*ringEntry
}

func newRing(depth uint64) *ring {
	return &ring{
		depth:  depth,
		blocks: make(map[uint64]*ringEntry),
	}
}

func (r *ring) entry(n uint64) *ringEntry {
	e, ok := r.blocks[n]
	if !ok {
		e = &ringEntry{}
		r.blocks[n] = e
	}
	return e
}

// headerHash reports the canonical hash recorded at height n, if any.
func (r *ring) headerHash(n uint64) (common.Hash, bool) {
	e, ok := r.blocks[n]
	if !ok || e.hash == (common.Hash{}) {
		return common.Hash{}, false
	}
	return e.hash, true
}

// setHeader records the canonical header at its height and evicts bare
// entries that have slid out of the window. Entries still holding events are
// kept for the stale drain, they are popped on the next release pass.
func (r *ring) setHeader(h shared.BlockHeader) {
	e := r.entry(h.Number)
	e.hash = h.Hash
	e.parentHash = h.ParentHash

	if h.Number <= r.depth {
		return
	}
	horizon := h.Number - r.depth
	for n, e := range r.blocks {
		if n < horizon && len(e.events) == 0 {
			delete(r.blocks, n)
		}
	}
}

// replaceHeader swaps in the canonical header after a reorg and drops events
// recorded against the displaced hash.
func (r *ring) replaceHeader(h shared.BlockHeader) {
	e := r.entry(h.Number)
	e.hash = h.Hash
	e.parentHash = h.ParentHash
	kept := e.events[:0]
	for _, ev := range e.events {
		if ev.BlockHash == h.Hash {
			kept = append(kept, ev)
		}
	}
	e.events = kept
}

// addEvent inserts an event at its block height, deduplicating on
// (txHash, logIndex, blockHash).
func (r *ring) addEvent(ev shared.TransferEvent) {
	e := r.entry(ev.BlockNumber)
	for _, have := range e.events {
		if have.TxHash == ev.TxHash && have.LogIndex == ev.LogIndex && have.BlockHash == ev.BlockHash {
			return
		}
	}
	e.events = append(e.events, ev)
}

// removeEvent handles logs the node marked removed during a reorg.
func (r *ring) removeEvent(blockNumber uint64, txHash common.Hash, logIndex uint, blockHash common.Hash) {
	e, ok := r.blocks[blockNumber]
	if !ok {
		return
	}
	kept := e.events[:0]
	for _, ev := range e.events {
		if ev.TxHash == txHash && ev.LogIndex == logIndex && ev.BlockHash == blockHash {
			continue
		}
		kept = append(kept, ev)
	}
	e.events = kept
}

// take pops the entry at height n and returns its canonical hash together
// with the releasable events in log-index order. Events recorded against a
// hash that was displaced before confirmation are dropped here, without
// emission. Entries that never saw a header (historical inserts from lookback
// or ingest) release all their events; those were read from the node's
// canonical view at a depth past the confirmation gate.
func (r *ring) take(n uint64) (common.Hash, []shared.TransferEvent) {
	e, ok := r.blocks[n]
	if !ok {
		return common.Hash{}, nil
	}
	delete(r.blocks, n)

	evs := e.events
	if e.hash != (common.Hash{}) {
		kept := evs[:0]
		for _, ev := range evs {
			if ev.BlockHash == e.hash {
				kept = append(kept, ev)
			}
		}
		evs = kept
	}
	sort.Slice(evs, func(i, j int) bool { return evs[i].LogIndex < evs[j].LogIndex })
	return e.hash, evs
}

// staleHeights lists, in ascending order, heights at or below limit that
// still hold events. These are lookback finds or late subscription logs at
// heights the live release pass has already gone past.
func (r *ring) staleHeights(limit uint64) []uint64 {
	var heights []uint64
	for n, e := range r.blocks {
		if n <= limit && len(e.events) > 0 {
			heights = append(heights, n)
		}
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })
	return heights
}
