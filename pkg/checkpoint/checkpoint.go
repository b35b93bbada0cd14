package checkpoint

import (
	"time"

	"github.com/flare-foundation/go-flare-common/pkg/logger"
	"github.com/pkg/errors"
)

var (
	ErrStaleRequest     = errors.New("checkpoint changed since the request was issued")
	ErrUnorderedPage    = errors.New("signature page is not ordered newest first")
	ErrOrderingConflict = errors.New("assigned ordinals overlap an existing chunk")
)

// Chunk is a contiguous span of fully processed signatures. StartedFrom is
// the newest signature of the span, RewindedUntil the oldest.
type Chunk struct {
	OrderingHigh           Ordinal `json:"orderingHigh"`
	OrderingLow            Ordinal `json:"orderingLow"`
	StartedFromSignature   string  `json:"startedFromSignature"`
	RewindedUntilSignature string  `json:"rewindedUntilSignature"`
	ProcessedCounter       uint64  `json:"processedCounter"`

	// RewindExhausted is set once the history below this chunk can no longer
	// be fetched, either because the program's first signature was reached
	// or because the RPC node pruned it.
	RewindExhausted bool `json:"rewindExhausted"`
}

// Checkpoint is the ordered set of processed chunks, newest first.
type Checkpoint struct {
	Chunks []Chunk `json:"chunks"`
}

// SignatureInfo is one entry of a signature listing, as returned newest
// first by the RPC node.
type SignatureInfo struct {
	Signature string
	Slot      uint64
	BlockTime time.Time
	Failed    bool
}

// Transaction is a signature that is ready to be processed, with the
// ordinal of its first instruction.
type Transaction struct {
	SignatureInfo
	Ordinal Ordinal
}

type RequestKind int

const (
	Head RequestKind = iota
	Rewind
)

func (k RequestKind) String() string {
	if k == Head {
		return "head"
	}
	return "rewind"
}

// Request describes the next signature page to fetch: signatures strictly
// older than Before (newest when empty) and strictly newer than Until
// (unbounded when empty).
type Request struct {
	Kind       RequestKind
	ChunkIndex int
	Before     string
	Until      string
	Limit      int
}

func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return &Checkpoint{}
	}

	chunks := make([]Chunk, len(c.Chunks))
	copy(chunks, c.Chunks)

	return &Checkpoint{Chunks: chunks}
}

func (c *Checkpoint) ProcessedCount() uint64 {
	var total uint64
	for i := range c.Chunks {
		total += c.Chunks[i].ProcessedCounter
	}

	return total
}

// IsComplete reports whether the whole reachable history has been explored.
func (c *Checkpoint) IsComplete() bool {
	_, ok := c.RewindRequest(1)
	return len(c.Chunks) > 0 && !ok
}

// HeadRequest asks for everything newer than the newest processed signature.
func (c *Checkpoint) HeadRequest(limit int) Request {
	req := Request{Kind: Head, Limit: limit}
	if len(c.Chunks) > 0 {
		req.Until = c.Chunks[0].StartedFromSignature
	}

	return req
}

// RewindRequest returns the request filling the newest unexplored gap.
func (c *Checkpoint) RewindRequest(limit int) (Request, bool) {
	for i := range c.Chunks {
		chunk := &c.Chunks[i]
		if chunk.RewindExhausted {
			continue
		}

		req := Request{
			Kind:       Rewind,
			ChunkIndex: i,
			Before:     chunk.RewindedUntilSignature,
			Limit:      limit,
		}
		if i+1 < len(c.Chunks) {
			req.Until = c.Chunks[i+1].StartedFromSignature
		}

		return req, true
	}

	return Request{}, false
}

// Apply records a fetched page and returns the transactions to process,
// oldest first. Failed transactions are recorded but not returned.
//
// When a full page ends in the middle of a slot, the transactions of that
// last slot are held back and fetched again by the next rewind, so that
// chunk boundaries fall on slot boundaries and every slot is ranked at once.
func (c *Checkpoint) Apply(req Request, page []SignatureInfo) ([]Transaction, error) {
	if req.Kind == Rewind {
		if req.ChunkIndex >= len(c.Chunks) || c.Chunks[req.ChunkIndex].RewindedUntilSignature != req.Before {
			return nil, ErrStaleRequest
		}
	} else if len(c.Chunks) > 0 && c.Chunks[0].StartedFromSignature != req.Until {
		return nil, ErrStaleRequest
	}

	page, reachedUntil := trimPage(page, req)
	if err := checkOrder(page); err != nil {
		return nil, err
	}

	full := req.Limit > 0 && len(page) >= req.Limit && !reachedUntil
	var continuing *Chunk
	if req.Kind == Rewind {
		continuing = &c.Chunks[req.ChunkIndex]
	}

	page, tailOpen := holdBackPartialSlot(page, full)

	if len(page) == 0 {
		c.applyEmpty(req)
		return nil, nil
	}

	ordinals, err := rankPage(page, continuing, tailOpen)
	if err != nil {
		return nil, err
	}

	span := Chunk{
		OrderingHigh:           ordinals[0],
		OrderingLow:            ordinals[len(ordinals)-1],
		StartedFromSignature:   page[0].Signature,
		RewindedUntilSignature: page[len(page)-1].Signature,
		ProcessedCounter:       uint64(len(page)),
	}

	switch req.Kind {
	case Head:
		if len(c.Chunks) > 0 && span.OrderingLow <= c.Chunks[0].OrderingHigh {
			return nil, errors.Wrapf(ErrOrderingConflict, "head page low %d, head high %d", span.OrderingLow, c.Chunks[0].OrderingHigh)
		}

		c.Chunks = append([]Chunk{span}, c.Chunks...)
		if !full {
			if len(c.Chunks) > 1 {
				c.merge(0)
			} else {
				c.Chunks[0].RewindExhausted = true
			}
		}

	case Rewind:
		chunk := &c.Chunks[req.ChunkIndex]
		if span.OrderingHigh >= chunk.OrderingLow {
			return nil, errors.Wrapf(ErrOrderingConflict, "rewind page high %d, chunk low %d", span.OrderingHigh, chunk.OrderingLow)
		}

		hasOlder := req.ChunkIndex+1 < len(c.Chunks)
		if hasOlder && span.OrderingLow <= c.Chunks[req.ChunkIndex+1].OrderingHigh {
			return nil, errors.Wrapf(ErrOrderingConflict, "rewind page low %d, next chunk high %d", span.OrderingLow, c.Chunks[req.ChunkIndex+1].OrderingHigh)
		}

		chunk.OrderingLow = span.OrderingLow
		chunk.RewindedUntilSignature = span.RewindedUntilSignature
		chunk.ProcessedCounter += span.ProcessedCounter

		if !full {
			if hasOlder {
				c.merge(req.ChunkIndex)
			} else {
				chunk.RewindExhausted = true
			}
		}
	}

	txs := make([]Transaction, 0, len(page))
	for i := len(page) - 1; i >= 0; i-- {
		if page[i].Failed {
			continue
		}
		txs = append(txs, Transaction{SignatureInfo: page[i], Ordinal: ordinals[i]})
	}

	return txs, nil
}

func (c *Checkpoint) applyEmpty(req Request) {
	if req.Kind == Head {
		return
	}

	if req.Until != "" {
		// Nothing left between the two chunks.
		c.merge(req.ChunkIndex)
		return
	}

	c.MarkExhausted(req)
}

// MarkExhausted stops any further rewinding below the request's chunk. It is
// used when the node has no older signatures, either because the program's
// history starts there or because the node pruned it.
func (c *Checkpoint) MarkExhausted(req Request) {
	if req.Kind != Rewind || req.ChunkIndex >= len(c.Chunks) {
		return
	}

	chunk := &c.Chunks[req.ChunkIndex]
	if chunk.RewindExhausted {
		return
	}

	if req.Until != "" {
		logger.Warnf(
			"signatures between %s and %s are not available from the RPC node, leaving the gap unexplored",
			req.Until, req.Before,
		)
	} else {
		logger.Warnf("no signatures older than %s are available, treating it as the start of history", req.Before)
	}

	chunk.RewindExhausted = true
}

// merge joins chunk i with the older chunk i+1.
func (c *Checkpoint) merge(i int) {
	newer, older := c.Chunks[i], c.Chunks[i+1]

	merged := Chunk{
		OrderingHigh:           newer.OrderingHigh,
		OrderingLow:            older.OrderingLow,
		StartedFromSignature:   newer.StartedFromSignature,
		RewindedUntilSignature: older.RewindedUntilSignature,
		ProcessedCounter:       newer.ProcessedCounter + older.ProcessedCounter,
		RewindExhausted:        older.RewindExhausted,
	}

	c.Chunks = append(c.Chunks[:i], c.Chunks[i+1:]...)
	c.Chunks[i] = merged
}

// trimPage drops signatures at or beyond the request boundaries, which a
// well-behaved node never returns.
func trimPage(page []SignatureInfo, req Request) ([]SignatureInfo, bool) {
	start := 0
	for start < len(page) && req.Before != "" && page[start].Signature == req.Before {
		start++
	}

	for i := start; i < len(page); i++ {
		if req.Until != "" && page[i].Signature == req.Until {
			return page[start:i], true
		}
	}

	return page[start:], false
}

func checkOrder(page []SignatureInfo) error {
	for i := 1; i < len(page); i++ {
		if page[i].Slot > page[i-1].Slot {
			return errors.Wrapf(ErrUnorderedPage, "slot %d follows slot %d", page[i].Slot, page[i-1].Slot)
		}
	}

	return nil
}

// holdBackPartialSlot drops the last slot of a full page. The second result
// reports whether the page is a single slot that did not fit, in which case
// nothing is held back and the slot stays open.
func holdBackPartialSlot(page []SignatureInfo, full bool) ([]SignatureInfo, bool) {
	if !full || len(page) == 0 {
		return page, false
	}

	lastSlot := page[len(page)-1].Slot
	cut := len(page)
	for cut > 0 && page[cut-1].Slot == lastSlot {
		cut--
	}

	if cut == 0 {
		return page, true
	}

	return page[:cut], false
}

// rankPage assigns base ordinals. Inside a complete slot the oldest
// transaction gets rank 0. A slot that is still open (a full page made of a
// single slot, or a slot continued from the chunk being rewound) counts down
// from the rank below the chunk's oldest entry.
func rankPage(page []SignatureInfo, continuing *Chunk, tailOpen bool) ([]Ordinal, error) {
	ordinals := make([]Ordinal, len(page))

	for start := 0; start < len(page); {
		end := start
		for end < len(page) && page[end].Slot == page[start].Slot {
			end++
		}

		slot := page[start].Slot
		open := continuing != nil && continuing.ProcessedCounter > 0 && continuing.OrderingLow.Slot() == slot

		if open || tailOpen {
			next := uint32(MaxRank)
			if open {
				if continuing.OrderingLow.Rank() == 0 {
					return nil, errors.Wrapf(ErrOrderingConflict, "no rank left in slot %d", slot)
				}
				next = continuing.OrderingLow.Rank() - 1
			}

			for i := start; i < end; i++ {
				ordinals[i] = NewOrdinal(slot, next, 0)
				if next == 0 && i+1 < end {
					return nil, errors.Wrapf(ErrOrderingConflict, "no rank left in slot %d", slot)
				}
				next--
			}
		} else {
			n := end - start
			if n > MaxRank+1 {
				return nil, errors.Wrapf(ErrOrderingConflict, "%d transactions in slot %d", n, slot)
			}

			for i := start; i < end; i++ {
				ordinals[i] = NewOrdinal(slot, uint32(end-1-i), 0)
			}
		}

		start = end
	}

	return ordinals, nil
}
