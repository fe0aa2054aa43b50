// Copyright 2025 Helios Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package executor

import (
	"unsafe"

	"github.com/pingcap/errors"
	"github.com/pingcap/failpoint"
	"go.uber.org/zap"

	"github.com/heliosdb/helios/util/logutil"
	"github.com/heliosdb/helios/util/memory"
	"github.com/heliosdb/helios/util/rowbatch"
)

// MaxFillFactor bounds the load factor of the hash table; the table grows
// before an insert would cross it.
const MaxFillFactor = 0.75

// bucketNotFound marks a probe that scanned the whole (full) table
// without finding its row. Legal for lookups only.
const bucketNotFound int64 = -1

const (
	initialNodeSlabLen = 64
	maxNodeSlabLen     = 4096
)

// htData is the row handle stored in a bucket or duplicate node: the row
// itself in stores-tuples mode, otherwise a pointer into the backing
// tuple stream, resolved only on a hash match.
type htData struct {
	tuple   rowbatch.Row
	flatRow rowbatch.RowPtr
}

// duplicateNode chains rows that hash and compare equal off their bucket.
type duplicateNode struct {
	htdata  htData
	matched bool
	next    *duplicateNode
}

type bucketData struct {
	htdata     htData
	duplicates *duplicateNode
}

// bucket is one slot of the open-addressed table. The 32-bit hashes live
// in a parallel array to keep the probe loop cache-dense.
type bucket struct {
	filled        bool
	matched       bool
	hasDuplicates bool
	data          bucketData
}

// HashTable is an open-addressed hash table over rows identified by their
// evaluated key expressions. It backs hash joins and hash aggregations
// and is single-threaded; concurrency comes from partitioning the build
// input across tables, not from sharing one.
type HashTable struct {
	// quadraticProbing selects triangular probing over linear; with a
	// power-of-two bucket count the triangular sequence visits every slot
	// exactly once.
	quadraticProbing bool
	// storesDuplicates is false when the caller guarantees unique keys.
	storesDuplicates bool
	// tupleStream backs flat row pointers; nil means rows are stored
	// inline in the buckets.
	tupleStream *rowbatch.List

	buckets   []bucket
	hashArray []uint32

	numBuckets               int64
	numFilledBuckets         int64
	numBucketsWithDuplicates int64
	numDuplicateNodes        int64
	numResizes               int64

	// hasMatches is set once any entry is marked matched; right and full
	// outer joins must not spill such a table.
	hasMatches bool

	nodeSlabs                [][]duplicateNode
	nodeCursor               int
	nodeRemainingCurrentSlab int

	memTracker *memory.Tracker
}

// NewHashTable creates a table with initialNumBuckets slots (rounded up
// to a power of two). A nil tupleStream stores rows inline.
func NewHashTable(initialNumBuckets int64, quadraticProbing, storesDuplicates bool,
	tupleStream *rowbatch.List, memTracker *memory.Tracker) (*HashTable, error) {
	numBuckets := nextPowerOfTwo(initialNumBuckets)
	ht := &HashTable{
		quadraticProbing: quadraticProbing,
		storesDuplicates: storesDuplicates,
		tupleStream:      tupleStream,
		numBuckets:       numBuckets,
		memTracker:       memTracker,
	}
	size := numBuckets * bucketMemSize
	if err := memTracker.CheckConsume(size); err != nil {
		return nil, errors.Trace(err)
	}
	ht.buckets = make([]bucket, numBuckets)
	ht.hashArray = make([]uint32, numBuckets)
	memTracker.Consume(size)
	return ht, nil
}

var bucketMemSize = int64(unsafe.Sizeof(bucket{})) + int64(unsafe.Sizeof(uint32(0)))

var duplicateNodeSize = int64(unsafe.Sizeof(duplicateNode{}))

// StoresTuples reports whether rows live inline in the buckets rather
// than in a tuple stream.
func (ht *HashTable) StoresTuples() bool { return ht.tupleStream == nil }

// NumBuckets returns the current bucket count.
func (ht *HashTable) NumBuckets() int64 { return ht.numBuckets }

// NumFilledBuckets returns the number of occupied buckets.
func (ht *HashTable) NumFilledBuckets() int64 { return ht.numFilledBuckets }

// NumDuplicateNodes returns the number of chained duplicate entries.
func (ht *HashTable) NumDuplicateNodes() int64 { return ht.numDuplicateNodes }

// NumResizes returns how often the table grew.
func (ht *HashTable) NumResizes() int64 { return ht.numResizes }

// HasMatches reports whether any entry has been marked matched.
func (ht *HashTable) HasMatches() bool { return ht.hasMatches }

// Size returns the number of rows in the table.
func (ht *HashTable) Size() int64 {
	return ht.numFilledBuckets - ht.numBucketsWithDuplicates + ht.numDuplicateNodes
}

// CurrentMemSize returns the bytes held by buckets, the hash array and
// duplicate nodes.
func (ht *HashTable) CurrentMemSize() int64 {
	return ht.numBuckets*bucketMemSize + ht.numDuplicateNodes*duplicateNodeSize
}

// NumInsertsBeforeResize returns how many inserts still fit under the
// fill factor.
func (ht *HashTable) NumInsertsBeforeResize() int64 {
	inserts := int64(float64(ht.numBuckets)*MaxFillFactor) - ht.numFilledBuckets
	if inserts < 0 {
		inserts = 0
	}
	return inserts
}

// Close releases the table's memory accounting.
func (ht *HashTable) Close() {
	ht.buckets = nil
	ht.hashArray = nil
	ht.nodeSlabs = nil
	ht.memTracker.ReplaceBytesUsed(0)
	ht.memTracker.Detach()
}

// probe finds the bucket of the current cached expression values. It
// returns the index of the matching bucket (found true) or of the first
// free bucket of the probe sequence (found false). When the table is
// full and no match exists it returns bucketNotFound, which only lookups
// may see.
func (ht *HashTable) probe(ctx *HashTableCtx, hash uint32, inclusiveEquality, compareRow bool) (int64, bool, error) {
	ctx.numProbes++
	bucketIdx := int64(hash) & (ht.numBuckets - 1)

	// step counts probe advances; quadratic probing also derives the next
	// jump length from it.
	var step int64
	for {
		b := &ht.buckets[bucketIdx]
		if !b.filled {
			return bucketIdx, false, nil
		}
		if hash == ht.hashArray[bucketIdx] {
			if compareRow {
				row, err := ht.bucketRow(b)
				if err != nil {
					return bucketNotFound, false, err
				}
				eq, err := ctx.Equals(inclusiveEquality, row)
				if err != nil {
					return bucketNotFound, false, err
				}
				if eq {
					return bucketIdx, true, nil
				}
			}
			// Hash collision, or equality not performed. Keep searching.
			ctx.numHashCollisions++
		}
		step++
		if ht.quadraticProbing {
			// The k-th probe lands on (hash + k*(k+1)/2) mod numBuckets,
			// which visits every index exactly once for power-of-two sizes.
			bucketIdx = (bucketIdx + step) & (ht.numBuckets - 1)
		} else {
			bucketIdx = (bucketIdx + 1) & (ht.numBuckets - 1)
		}
		if step >= ht.numBuckets {
			break
		}
	}

	ctx.travelLength += step
	if ht.numFilledBuckets != ht.numBuckets {
		logutil.BgLogger().Error("probing of a non-full hash table failed",
			zap.Bool("quadratic", ht.quadraticProbing), zap.Uint32("hash", hash))
	}
	return bucketNotFound, false, nil
}

// bucketRow materializes the representative row of a bucket: the bucket
// row itself, or the head of its duplicate chain.
func (ht *HashTable) bucketRow(b *bucket) (rowbatch.Row, error) {
	if ht.storesDuplicates && b.hasDuplicates {
		return ht.dataRow(&b.data.duplicates.htdata)
	}
	return ht.dataRow(&b.data.htdata)
}

func (ht *HashTable) dataRow(data *htData) (rowbatch.Row, error) {
	if ht.StoresTuples() {
		return data.tuple, nil
	}
	return ht.tupleStream.GetRow(data.flatRow)
}

// Insert inserts the row whose key expressions are cached in ctx. In
// stores-tuples mode the row itself is kept; otherwise flatRow must point
// at its copy in the tuple stream. Allocation failures surface
// memory.ErrMemLimitExceeded so callers can fall back to spilling.
func (ht *HashTable) Insert(ctx *HashTableCtx, flatRow rowbatch.RowPtr, row rowbatch.Row) error {
	hash := ctx.exprValuesCache.CurExprValuesHash()
	bucketIdx, found, err := ht.probe(ctx, hash, true, true)
	if err != nil {
		return err
	}
	if bucketIdx == bucketNotFound {
		// Inserting into a full table is a programmer error; the caller
		// must grow first.
		return errors.New("insert into full hash table")
	}
	b := &ht.buckets[bucketIdx]
	if found {
		node, err := ht.insertDuplicateNode(bucketIdx)
		if err != nil {
			return err
		}
		if ht.StoresTuples() {
			node.htdata.tuple = row
		} else {
			node.htdata.flatRow = flatRow
		}
		return nil
	}
	ht.prepareBucketForInsert(bucketIdx, hash)
	if ht.StoresTuples() {
		b.data.htdata.tuple = row
	} else {
		b.data.htdata.flatRow = flatRow
	}
	return nil
}

func (ht *HashTable) prepareBucketForInsert(bucketIdx int64, hash uint32) {
	b := &ht.buckets[bucketIdx]
	ht.numFilledBuckets++
	b.filled = true
	b.matched = false
	b.hasDuplicates = false
	b.data = bucketData{}
	ht.hashArray[bucketIdx] = hash
}

// insertDuplicateNode links a fresh node at the head of the bucket's
// chain. The first duplicate also converts the resident bucket entry into
// a node.
func (ht *HashTable) insertDuplicateNode(bucketIdx int64) (*duplicateNode, error) {
	b := &ht.buckets[bucketIdx]
	if !ht.storesDuplicates {
		return nil, errors.New("duplicate insert into a table without duplicate support")
	}
	// One node for the new row, plus one for the resident row when this
	// is the bucket's first duplicate.
	needed := 1
	if !b.hasDuplicates {
		needed = 2
	}
	for ht.nodeRemainingCurrentSlab < needed {
		if err := ht.growNodeArray(); err != nil {
			return nil, err
		}
	}
	if !b.hasDuplicates {
		resident := ht.appendNextNode(b)
		resident.htdata = b.data.htdata
		resident.next = nil
		b.hasDuplicates = true
		ht.numBucketsWithDuplicates++
	}
	node := ht.appendNextNode(b)
	return node, nil
}

// appendNextNode takes the next free slab node and links it as the new
// chain head of b.
func (ht *HashTable) appendNextNode(b *bucket) *duplicateNode {
	slab := ht.nodeSlabs[len(ht.nodeSlabs)-1]
	node := &slab[ht.nodeCursor]
	ht.nodeCursor++
	ht.nodeRemainingCurrentSlab--
	ht.numDuplicateNodes++
	node.next = b.data.duplicates
	node.matched = false
	b.data.duplicates = node
	return node
}

// growNodeArray adds a slab of duplicate nodes, doubling the slab size up
// to a cap.
func (ht *HashTable) growNodeArray() error {
	size := initialNodeSlabLen
	if n := len(ht.nodeSlabs); n > 0 {
		size = cap(ht.nodeSlabs[n-1]) * 2
		if size > maxNodeSlabLen {
			size = maxNodeSlabLen
		}
	}
	failpoint.Inject("hashTableGrowNodeArrayError", func() {
		failpoint.Return(errors.Trace(memory.ErrMemLimitExceeded))
	})
	delta := int64(size) * duplicateNodeSize
	if err := ht.memTracker.CheckConsume(delta); err != nil {
		return errors.Trace(err)
	}
	ht.nodeSlabs = append(ht.nodeSlabs, make([]duplicateNode, size))
	ht.nodeCursor = 0
	ht.nodeRemainingCurrentSlab = size
	ht.memTracker.Consume(delta)
	return nil
}

// CheckAndResize grows the table until rowsToAdd more inserts fit under
// the fill factor.
func (ht *HashTable) CheckAndResize(ctx *HashTableCtx, rowsToAdd int64) error {
	newNumBuckets := ht.numBuckets
	for rowsToAdd > int64(float64(newNumBuckets)*MaxFillFactor)-ht.numFilledBuckets {
		newNumBuckets *= 2
	}
	if newNumBuckets == ht.numBuckets {
		return nil
	}
	return ht.ResizeBuckets(ctx, newNumBuckets)
}

// ResizeBuckets rehashes the table into newNumBuckets buckets. Entries
// are re-probed with their stored hashes; key expressions are not
// re-evaluated.
func (ht *HashTable) ResizeBuckets(ctx *HashTableCtx, newNumBuckets int64) error {
	if newNumBuckets&(newNumBuckets-1) != 0 {
		return errors.Errorf("bucket count %d is not a power of two", newNumBuckets)
	}
	if int64(float64(newNumBuckets)*MaxFillFactor) < ht.numFilledBuckets {
		return errors.Errorf("cannot resize to %d buckets with %d filled", newNumBuckets, ht.numFilledBuckets)
	}
	delta := (newNumBuckets - ht.numBuckets) * bucketMemSize
	if delta > 0 {
		if err := ht.memTracker.CheckConsume(delta); err != nil {
			return errors.Trace(err)
		}
	}

	oldBuckets, oldHashes, oldNum := ht.buckets, ht.hashArray, ht.numBuckets
	ht.buckets = make([]bucket, newNumBuckets)
	ht.hashArray = make([]uint32, newNumBuckets)
	ht.numBuckets = newNumBuckets
	for idx := int64(0); idx < oldNum; idx++ {
		if !oldBuckets[idx].filled {
			continue
		}
		hash := oldHashes[idx]
		// compareRow false: any equal-hash resident just counts as a
		// collision and probing continues to the next free slot.
		newIdx, _, err := ht.probe(ctx, hash, true, false)
		if err != nil {
			return err
		}
		ht.buckets[newIdx] = oldBuckets[idx]
		ht.hashArray[newIdx] = hash
	}
	ht.memTracker.Consume(delta)
	ht.numResizes++
	return nil
}

// FindProbeRow looks up the row whose probe expressions are cached in
// ctx. It returns an iterator at the matching bucket, or End.
func (ht *HashTable) FindProbeRow(ctx *HashTableCtx) (Iterator, error) {
	hash := ctx.exprValuesCache.CurExprValuesHash()
	bucketIdx, found, err := ht.probe(ctx, hash, false, true)
	if err != nil {
		return ht.End(), err
	}
	if !found {
		return ht.End(), nil
	}
	return ht.iteratorAt(bucketIdx), nil
}

// FindBuildRowBucket finds the bucket for the build row cached in ctx,
// whether occupied (found true) or the free insert target.
func (ht *HashTable) FindBuildRowBucket(ctx *HashTableCtx) (Iterator, bool, error) {
	hash := ctx.exprValuesCache.CurExprValuesHash()
	bucketIdx, found, err := ht.probe(ctx, hash, true, true)
	if err != nil {
		return ht.End(), false, err
	}
	if bucketIdx == bucketNotFound {
		return ht.End(), false, nil
	}
	return ht.iteratorAt(bucketIdx), found, nil
}

func (ht *HashTable) iteratorAt(bucketIdx int64) Iterator {
	var node *duplicateNode
	if ht.storesDuplicates && ht.buckets[bucketIdx].hasDuplicates {
		node = ht.buckets[bucketIdx].data.duplicates
	}
	return Iterator{table: ht, bucketIdx: bucketIdx, node: node}
}

// Begin returns an iterator at the first filled bucket.
func (ht *HashTable) Begin() Iterator {
	it := Iterator{table: ht, bucketIdx: bucketNotFound}
	ht.nextFilledBucket(&it.bucketIdx, &it.node)
	return it
}

// FirstUnmatched returns an iterator at the first entry whose matched
// flag is unset.
func (ht *HashTable) FirstUnmatched() Iterator {
	it := ht.Begin()
	if it.AtEnd() {
		return it
	}
	b := &ht.buckets[it.bucketIdx]
	hasDuplicates := ht.storesDuplicates && b.hasDuplicates
	if (!hasDuplicates && b.matched) || (hasDuplicates && it.node.matched) {
		it.NextUnmatched()
	}
	return it
}

// End returns the past-the-end iterator.
func (ht *HashTable) End() Iterator {
	return Iterator{table: ht, bucketIdx: bucketNotFound}
}

func (ht *HashTable) nextFilledBucket(bucketIdx *int64, node **duplicateNode) {
	for *bucketIdx++; *bucketIdx < ht.numBuckets; *bucketIdx++ {
		if ht.buckets[*bucketIdx].filled {
			if ht.storesDuplicates {
				*node = ht.buckets[*bucketIdx].data.duplicates
			} else {
				*node = nil
			}
			return
		}
	}
	*bucketIdx = bucketNotFound
	*node = nil
}

// prefetchSink keeps the advisory reads below from being optimized away.
var prefetchSink uint32

// PrefetchBucket touches the bucket and hash array entry the hash maps
// to, pulling both cache lines in ahead of the probe. Purely advisory;
// Go has no portable prefetch instruction, so a demand read stands in.
func (ht *HashTable) PrefetchBucket(hash uint32) {
	bucketIdx := int64(hash) & (ht.numBuckets - 1)
	v := ht.hashArray[bucketIdx]
	if ht.buckets[bucketIdx].filled {
		v++
	}
	prefetchSink += v
}

// Iterator walks hash table entries: within a duplicate chain first, then
// across filled buckets.
type Iterator struct {
	table     *HashTable
	bucketIdx int64
	node      *duplicateNode
}

// AtEnd reports whether the iterator is past the last entry.
func (it *Iterator) AtEnd() bool { return it.bucketIdx == bucketNotFound }

// GetRow materializes the row at the iterator, resolving flat row
// pointers through the tuple stream.
func (it *Iterator) GetRow() (rowbatch.Row, error) {
	ht := it.table
	b := &ht.buckets[it.bucketIdx]
	if ht.storesDuplicates && b.hasDuplicates {
		return ht.dataRow(&it.node.htdata)
	}
	return ht.dataRow(&b.data.htdata)
}

// SetMatched marks the current entry matched: the node when the bucket is
// duplicated, the bucket otherwise. Once anything matched, the table must
// not spill.
func (it *Iterator) SetMatched() {
	ht := it.table
	b := &ht.buckets[it.bucketIdx]
	if ht.storesDuplicates && b.hasDuplicates {
		it.node.matched = true
	} else {
		b.matched = true
	}
	ht.hasMatches = true
}

// IsMatched reports whether the current entry is marked matched.
func (it *Iterator) IsMatched() bool {
	ht := it.table
	b := &ht.buckets[it.bucketIdx]
	if ht.storesDuplicates && b.hasDuplicates {
		return it.node.matched
	}
	return b.matched
}

// Next advances to the next entry of the table.
func (it *Iterator) Next() {
	ht := it.table
	if ht.storesDuplicates && ht.buckets[it.bucketIdx].hasDuplicates && it.node.next != nil {
		it.node = it.node.next
		return
	}
	ht.nextFilledBucket(&it.bucketIdx, &it.node)
}

// NextDuplicate advances within the current duplicate chain and ends the
// iteration once the chain is exhausted.
func (it *Iterator) NextDuplicate() {
	ht := it.table
	if ht.storesDuplicates && ht.buckets[it.bucketIdx].hasDuplicates && it.node.next != nil {
		it.node = it.node.next
		return
	}
	it.bucketIdx = bucketNotFound
	it.node = nil
}

// NextUnmatched advances to the next entry whose matched flag is unset.
func (it *Iterator) NextUnmatched() {
	ht := it.table
	b := &ht.buckets[it.bucketIdx]
	// Remaining unmatched duplicates of the current bucket first.
	if ht.storesDuplicates && b.hasDuplicates {
		for next := it.node.next; next != nil; next = next.next {
			it.node = next
			if !it.node.matched {
				return
			}
		}
	}
	ht.nextFilledBucket(&it.bucketIdx, &it.node)
	for it.bucketIdx != bucketNotFound {
		b = &ht.buckets[it.bucketIdx]
		if !ht.storesDuplicates || !b.hasDuplicates {
			if !b.matched {
				return
			}
		} else {
			for it.node.matched && it.node.next != nil {
				it.node = it.node.next
			}
			if !it.node.matched {
				return
			}
		}
		ht.nextFilledBucket(&it.bucketIdx, &it.node)
	}
}

// PrefetchBucket pulls the iterator's bucket into cache ahead of use.
func (it *Iterator) PrefetchBucket() {
	if !it.AtEnd() {
		// The bucket index is already reduced modulo the table size, so it
		// can stand in for a hash here.
		it.table.PrefetchBucket(uint32(it.bucketIdx))
	}
}

func nextPowerOfTwo(v int64) int64 {
	if v < 2 {
		return 2
	}
	n := int64(1)
	for n < v {
		n *= 2
	}
	return n
}
