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
	"github.com/pingcap/errors"
	"github.com/twmb/murmur3"

	"github.com/heliosdb/helios/expression"
	"github.com/heliosdb/helios/types"
	"github.com/heliosdb/helios/util/rowbatch"
)

// initialHashSeed seeds hashing level 0. Further levels derive their
// seeds from it so that repartitioning a spilled partition redistributes
// rows.
const initialHashSeed uint32 = 0x9747b28c

// ExprValuesCache holds the build/probe expression values for a batch of
// rows, evaluated once up front, together with their hashes. Hashing and
// equality run over these cached values, not over the rows, so table rows
// are materialized only on a hash match.
type ExprValuesCache struct {
	capacity int
	numExprs int

	exprValues [][]types.Datum
	hashes     []uint32
	curIdx     int
}

func newExprValuesCache(capacity, numExprs int) *ExprValuesCache {
	c := &ExprValuesCache{
		capacity:   capacity,
		numExprs:   numExprs,
		exprValues: make([][]types.Datum, capacity),
		hashes:     make([]uint32, capacity),
	}
	for i := range c.exprValues {
		c.exprValues[i] = make([]types.Datum, numExprs)
	}
	return c
}

// Capacity returns the number of rows the cache holds.
func (c *ExprValuesCache) Capacity() int { return c.capacity }

// Reset positions the cache at its first row.
func (c *ExprValuesCache) Reset() { c.curIdx = 0 }

// NextRow advances the cache to the next row of the batch.
func (c *ExprValuesCache) NextRow() { c.curIdx++ }

// AtEnd reports whether the cache has run past its last row.
func (c *ExprValuesCache) AtEnd() bool { return c.curIdx >= c.capacity }

// CurExprValues returns the expression values of the current row.
func (c *ExprValuesCache) CurExprValues() []types.Datum { return c.exprValues[c.curIdx] }

// CurExprValuesHash returns the hash of the current row.
func (c *ExprValuesCache) CurExprValuesHash() uint32 { return c.hashes[c.curIdx] }

// SetCurExprValuesHash stores the hash of the current row.
func (c *ExprValuesCache) SetCurExprValuesHash(hash uint32) { c.hashes[c.curIdx] = hash }

// HashTableCtx is the per-probe-side state of a hash table: the bound
// build and probe expressions, the expression values cache, the hashing
// seed level and the probe counters.
type HashTableCtx struct {
	buildExprs []expression.Expression
	probeExprs []expression.Expression

	// storesNulls controls whether rows with a NULL expression value are
	// kept on the build side at all; findsSomeNulls additionally lets the
	// probe side look them up (e.g. full outer joins).
	storesNulls    bool
	findsSomeNulls bool

	level int
	seeds []uint32

	exprValuesCache *ExprValuesCache
	hashBuf         []byte

	numProbes         int64
	numHashCollisions int64
	travelLength      int64
}

// NewHashTableCtx creates a context for tables keyed by the given
// expressions. maxLevels bounds how often a spilled partition can be
// repartitioned with a fresh hash seed.
func NewHashTableCtx(buildExprs, probeExprs []expression.Expression,
	storesNulls, findsSomeNulls bool, maxLevels, batchCapacity int) (*HashTableCtx, error) {
	if len(buildExprs) == 0 || len(buildExprs) != len(probeExprs) {
		return nil, errors.Errorf("mismatched key expressions: %d build, %d probe",
			len(buildExprs), len(probeExprs))
	}
	if maxLevels <= 0 {
		maxLevels = 1
	}
	seeds := make([]uint32, maxLevels)
	seeds[0] = initialHashSeed
	var levelByte [1]byte
	for i := 1; i < maxLevels; i++ {
		levelByte[0] = byte(i)
		seeds[i] = murmur3.SeedSum32(seeds[i-1], levelByte[:])
	}
	return &HashTableCtx{
		buildExprs:      buildExprs,
		probeExprs:      probeExprs,
		storesNulls:     storesNulls,
		findsSomeNulls:  findsSomeNulls,
		seeds:           seeds,
		exprValuesCache: newExprValuesCache(batchCapacity, len(buildExprs)),
	}, nil
}

// ExprValuesCache returns the cache of evaluated expression values.
func (ctx *HashTableCtx) ExprValuesCache() *ExprValuesCache { return ctx.exprValuesCache }

// Level returns the current hashing level.
func (ctx *HashTableCtx) Level() int { return ctx.level }

// SetLevel switches to another hashing seed.
func (ctx *HashTableCtx) SetLevel(level int) {
	if level < 0 || level >= len(ctx.seeds) {
		panic("hash level out of range")
	}
	ctx.level = level
}

// MaxLevels returns the number of hashing levels available.
func (ctx *HashTableCtx) MaxLevels() int { return len(ctx.seeds) }

// NumProbes returns how many probe operations ran.
func (ctx *HashTableCtx) NumProbes() int64 { return ctx.numProbes }

// NumHashCollisions returns how many times a probe passed a bucket with an
// equal hash: one holding a different row, or any such bucket when rows
// are not compared (as during a resize).
func (ctx *HashTableCtx) NumHashCollisions() int64 { return ctx.numHashCollisions }

// TravelLength returns the total probe distance travelled on degenerate
// full-table probes.
func (ctx *HashTableCtx) TravelLength() int64 { return ctx.travelLength }

// EvalAndHashBuild evaluates the build expressions over row into the
// current cache slot and hashes them. It returns false when the row must
// be skipped because it has a NULL key and the table does not store
// NULLs.
func (ctx *HashTableCtx) EvalAndHashBuild(row rowbatch.Row) (bool, error) {
	hasNull, err := ctx.evalRow(row, ctx.buildExprs)
	if err != nil {
		return false, err
	}
	if !ctx.storesNulls && hasNull {
		return false, nil
	}
	ctx.exprValuesCache.SetCurExprValuesHash(ctx.HashRow(ctx.exprValuesCache.CurExprValues()))
	return true, nil
}

// EvalAndHashProbe evaluates the probe expressions over row into the
// current cache slot and hashes them. It returns false when the row
// cannot match anything in the table because of NULL keys.
func (ctx *HashTableCtx) EvalAndHashProbe(row rowbatch.Row) (bool, error) {
	hasNull, err := ctx.evalRow(row, ctx.probeExprs)
	if err != nil {
		return false, err
	}
	if hasNull && !(ctx.storesNulls && ctx.findsSomeNulls) {
		return false, nil
	}
	ctx.exprValuesCache.SetCurExprValuesHash(ctx.HashRow(ctx.exprValuesCache.CurExprValues()))
	return true, nil
}

func (ctx *HashTableCtx) evalRow(row rowbatch.Row, exprs []expression.Expression) (hasNull bool, err error) {
	values := ctx.exprValuesCache.CurExprValues()
	for i, expr := range exprs {
		values[i], err = expr.Eval(row)
		if err != nil {
			return false, errors.Trace(err)
		}
		if values[i].IsNull() {
			hasNull = true
		}
	}
	return hasNull, nil
}

// HashRow hashes a tuple of expression values with the seed of the
// current level.
func (ctx *HashTableCtx) HashRow(values []types.Datum) uint32 {
	buf := ctx.hashBuf[:0]
	for i := range values {
		buf = values[i].AppendHashBytes(buf)
	}
	ctx.hashBuf = buf
	return murmur3.SeedSum32(ctx.seeds[ctx.level], buf)
}

// Equals evaluates the build expressions over buildRow and compares them
// against the current cached values. With inclusiveEquality, NULL
// compares equal to NULL.
func (ctx *HashTableCtx) Equals(inclusiveEquality bool, buildRow rowbatch.Row) (bool, error) {
	values := ctx.exprValuesCache.CurExprValues()
	for i, expr := range ctx.buildExprs {
		buildVal, err := expr.Eval(buildRow)
		if err != nil {
			return false, errors.Trace(err)
		}
		probeVal := &values[i]
		if buildVal.IsNull() || probeVal.IsNull() {
			if !inclusiveEquality || buildVal.IsNull() != probeVal.IsNull() {
				return false, nil
			}
			continue
		}
		if !buildVal.Equal(probeVal) {
			return false, nil
		}
	}
	return true, nil
}
