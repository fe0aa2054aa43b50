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

package expression

import (
	"fmt"

	"github.com/pingcap/errors"

	"github.com/heliosdb/helios/types"
	"github.com/heliosdb/helios/util/rowbatch"
)

// Expression is a scalar expression evaluated against one row. The planner
// hands fully-bound expressions to the executor; only evaluation lives
// here.
type Expression interface {
	fmt.Stringer
	// Eval evaluates the expression against row.
	Eval(row rowbatch.Row) (types.Datum, error)
}

// Column references a slot of the input row by offset.
type Column struct {
	Offset int
}

// Eval implements Expression.
func (c *Column) Eval(row rowbatch.Row) (types.Datum, error) {
	if c.Offset < 0 || c.Offset >= len(row) {
		return types.Datum{}, errors.Errorf("column offset %d out of range for row of width %d", c.Offset, len(row))
	}
	return row[c.Offset], nil
}

// String implements fmt.Stringer.
func (c *Column) String() string { return fmt.Sprintf("col#%d", c.Offset) }

// Constant is a literal value.
type Constant struct {
	Value types.Datum
}

// Eval implements Expression.
func (c *Constant) Eval(_ rowbatch.Row) (types.Datum, error) { return c.Value, nil }

// String implements fmt.Stringer.
func (c *Constant) String() string { return c.Value.String() }

// Columns builds column references for the given offsets.
func Columns(offsets ...int) []Expression {
	exprs := make([]Expression, 0, len(offsets))
	for _, off := range offsets {
		exprs = append(exprs, &Column{Offset: off})
	}
	return exprs
}
