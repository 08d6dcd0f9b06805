// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

// Package buffer implements vnet's buffer and free-list substrate: packet
// buffers are referenced by 32-bit index into an arena, never by pointer, so
// that frames and fifos of indices survive relocation of the underlying
// array and can be moved in batches between graph nodes.
package buffer

import "fmt"

// Index is a buffer-arena index, the only way buffers are referenced outside
// the Pool itself.
type Index uint32

// InvalidIndex marks "no buffer" (e.g. an unused next_buffer field).
const InvalidIndex Index = ^Index(0)

// Flag is a bitset of per-buffer state.
type Flag uint16

const (
	// FlagNextPresent indicates NextBuffer holds a valid successor in a
	// fragment chain.
	FlagNextPresent Flag = 1 << iota
	// FlagIsTraced marks a buffer selected for diagnostic tracing.
	FlagIsTraced
	// FlagL4ChecksumComputed marks that the L4 checksum field was already
	// computed by the driver or a prior node.
	FlagL4ChecksumComputed
	// FlagL4ChecksumCorrect marks that the computed L4 checksum verified.
	FlagL4ChecksumCorrect
	// FlagLocallyGenerated marks a buffer sourced in-process (e.g. an ARP
	// reply), exempting it from TTL decrement on rewrite.
	FlagLocallyGenerated
)

// ErrorCode packs (node, code) for a dropped or punted buffer. 0 means "no
// error".
type ErrorCode uint32

// PackError combines a node index and a node-local error code into the
// packed representation carried by Buffer.Error.
func PackError(nodeIndex uint16, localCode uint16) ErrorCode {
	return ErrorCode(nodeIndex)<<16 | ErrorCode(localCode)
}

// Unpack splits a packed ErrorCode back into its node index and local code.
func (e ErrorCode) Unpack() (nodeIndex, localCode uint16) {
	return uint16(e >> 16), uint16(e)
}

// Buffer represents one network packet, or one fragment of a chained packet.
type Buffer struct {
	CurrentData   int32 // signed offset into Data
	CurrentLength uint32
	Flags         Flag
	NextBuffer    Index
	RXSwIfIndex   uint32
	TXSwIfIndex   uint32
	Error         ErrorCode
	FreeListIndex int

	// Opaque is per-protocol scratch space, overlaid by IP/TCP code the way
	// the original source overlays its opaque[] word array.
	Opaque [2]uint64

	Data []byte
}

// CurrentBytes returns the slice of Data currently addressable by
// CurrentData/CurrentLength.
func (b *Buffer) CurrentBytes() []byte {
	return b.Data[b.CurrentData : int(b.CurrentData)+int(b.CurrentLength)]
}

// Advance moves CurrentData/CurrentLength forward by n bytes, e.g. after
// stripping a parsed header. A negative n grows the current region backward,
// as the rewrite node does when prepending an L2 header.
func (b *Buffer) Advance(n int32) {
	b.CurrentData += n
	b.CurrentLength -= uint32(n)
}

// HasNext reports whether FlagNextPresent is set.
func (b *Buffer) HasNext() bool {
	return b.Flags&FlagNextPresent != 0
}

// Pool is the arena owning all Buffer storage, indexed by Index. A Pool owns
// any number of FreeLists; buffers in a chain share the originating
// FreeList's index, per spec §3.1.
type Pool struct {
	bufs      []*Buffer
	freeLists []*FreeList
}

// NewPool returns an empty buffer arena.
func NewPool() *Pool {
	return &Pool{}
}

// Get dereferences idx into the backing array. This is the only way to turn
// an Index back into a *Buffer.
func (p *Pool) Get(idx Index) *Buffer {
	return p.bufs[idx]
}

// GetOrCreateFreeList returns the free list with the given name, creating it
// with dataBytes and the init callback on first use. A list that already
// exists under name is returned unchanged, whatever dataBytes is passed.
func (p *Pool) GetOrCreateFreeList(name string, dataBytes int, initCB InitCallback, initOpaque any) *FreeList {
	for _, fl := range p.freeLists {
		if fl.Name == name {
			return fl
		}
	}

	fl := &FreeList{
		Name:       name,
		DataBytes:  dataBytes,
		InitCB:     initCB,
		InitOpaque: initOpaque,
		index:      len(p.freeLists),
		pool:       p,
	}
	p.freeLists = append(p.freeLists, fl)

	return fl
}

// allocOne grows the arena by one fresh buffer belonging to fl and returns
// its index.
func (p *Pool) allocOne(fl *FreeList) Index {
	idx := Index(len(p.bufs))
	p.bufs = append(p.bufs, &Buffer{
		Data:          make([]byte, fl.DataBytes),
		FreeListIndex: fl.index,
	})

	if fl.InitCB != nil {
		fl.InitCB(p.Get(idx), fl.InitOpaque)
	}

	return idx
}

// InitCallback pre-fills a freshly sourced buffer, e.g. the packet
// generator's template memcpy.
type InitCallback func(b *Buffer, opaque any)

// FreeList is a typed pool of fixed-size buffer blocks, per spec §3.2.
// DataBytes is conventionally one of {512, 1024, 2048, 4096, 8192, 16384}
// though this implementation does not enforce the set.
type FreeList struct {
	Name       string
	DataBytes  int
	InitCB     InitCallback
	InitOpaque any

	index int
	pool  *Pool
	free  []Index
}

// AllocFromFreeList is best-effort: it fills out with up to n buffer
// indices, sourcing from the recycled free stack first and allocating fresh
// buffers from the arena for the remainder, and returns the count actually
// filled. Every freshly sourced buffer has InitCB invoked before being
// returned, recycled buffers do not re-run it.
func (fl *FreeList) AllocFromFreeList(out []Index, n int) (nAllocated int) {
	if n > len(out) {
		n = len(out)
	}

	for nAllocated < n && len(fl.free) > 0 {
		last := len(fl.free) - 1
		out[nAllocated] = fl.free[last]
		fl.free = fl.free[:last]
		nAllocated++
	}

	for nAllocated < n {
		out[nAllocated] = fl.pool.allocOne(fl)
		nAllocated++
	}

	return nAllocated
}

// Free returns indices to fl, following FlagNextPresent chains so every
// fragment is recycled.
func (fl *FreeList) Free(indices []Index) {
	for _, idx := range indices {
		fl.freeChain(idx)
	}
}

func (fl *FreeList) freeChain(idx Index) {
	for {
		b := fl.pool.Get(idx)
		next := b.NextBuffer
		hasNext := b.HasNext()

		fl.freeOne(idx)

		if !hasNext {
			return
		}
		idx = next
	}
}

// FreeNoNext returns only the head buffers in indices to fl, ignoring any
// FlagNextPresent chain — used by TX paths after a chain has already been
// serialized to the wire.
func (fl *FreeList) FreeNoNext(indices []Index) {
	for _, idx := range indices {
		fl.freeOne(idx)
	}
}

func (fl *FreeList) freeOne(idx Index) {
	b := fl.pool.Get(idx)
	if b.FreeListIndex != fl.index {
		panic(fmt.Sprintf("buffer: index %d returned to wrong free list (have %d, want %d)", idx, b.FreeListIndex, fl.index))
	}
	*b = Buffer{Data: b.Data, FreeListIndex: fl.index}
	fl.free = append(fl.free, idx)
}

// Free returns each of indices to its own owning free list, determined from
// the buffer's recorded FreeListIndex, without following any fragment chain
// — the drop/punt sink nodes use this since a dispatched frame may mix
// buffers from several free lists.
func (p *Pool) Free(indices []Index) {
	for _, idx := range indices {
		b := p.Get(idx)
		p.freeLists[b.FreeListIndex].freeOne(idx)
	}
}

// LengthInChain sums CurrentLength over the fragment chain starting at idx.
func (p *Pool) LengthInChain(idx Index) uint32 {
	var total uint32
	for {
		b := p.Get(idx)
		total += b.CurrentLength
		if !b.HasNext() {
			return total
		}
		idx = b.NextBuffer
	}
}
