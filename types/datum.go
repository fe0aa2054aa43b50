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

package types

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Kinds of a Datum.
const (
	KindNull byte = iota
	KindInt64
	KindFloat64
	KindString
	KindBytes
)

// Datum is a single scalar value flowing through row batches. The zero
// value is the NULL datum.
type Datum struct {
	k byte
	i int64
	b []byte
}

// Kind returns the kind of the datum.
func (d *Datum) Kind() byte { return d.k }

// IsNull reports whether the datum is NULL.
func (d *Datum) IsNull() bool { return d.k == KindNull }

// GetInt64 gets the int64 value of the datum.
func (d *Datum) GetInt64() int64 { return d.i }

// GetFloat64 gets the float64 value of the datum.
func (d *Datum) GetFloat64() float64 { return math.Float64frombits(uint64(d.i)) }

// GetString gets the string value of the datum.
func (d *Datum) GetString() string { return string(d.b) }

// GetBytes gets the raw byte value of the datum.
func (d *Datum) GetBytes() []byte { return d.b }

// SetNull sets the datum to NULL.
func (d *Datum) SetNull() { *d = Datum{} }

// SetInt64 sets the datum to an int64 value.
func (d *Datum) SetInt64(i int64) { *d = Datum{k: KindInt64, i: i} }

// SetFloat64 sets the datum to a float64 value.
func (d *Datum) SetFloat64(f float64) {
	*d = Datum{k: KindFloat64, i: int64(math.Float64bits(f))}
}

// SetString sets the datum to a string value.
func (d *Datum) SetString(s string) { *d = Datum{k: KindString, b: []byte(s)} }

// SetBytes sets the datum to a byte slice. The slice is not copied.
func (d *Datum) SetBytes(b []byte) { *d = Datum{k: KindBytes, b: b} }

// NewDatum creates a Datum from a Go value.
func NewDatum(in any) Datum {
	var d Datum
	switch x := in.(type) {
	case nil:
	case int:
		d.SetInt64(int64(x))
	case int64:
		d.SetInt64(x)
	case float64:
		d.SetFloat64(x)
	case string:
		d.SetString(x)
	case []byte:
		d.SetBytes(x)
	default:
		panic(fmt.Sprintf("unsupported datum value %T", in))
	}
	return d
}

// NewIntDatum creates an int64 Datum.
func NewIntDatum(i int64) Datum {
	var d Datum
	d.SetInt64(i)
	return d
}

// NewFloat64Datum creates a float64 Datum.
func NewFloat64Datum(f float64) Datum {
	var d Datum
	d.SetFloat64(f)
	return d
}

// NewStringDatum creates a string Datum.
func NewStringDatum(s string) Datum {
	var d Datum
	d.SetString(s)
	return d
}

// Equal reports whether two datums hold the same non-NULL value. NULL
// never equals anything, including NULL; callers that need NULL-inclusive
// equality (e.g. NULL-safe joins) check IsNull themselves first.
func (d *Datum) Equal(other *Datum) bool {
	if d.k == KindNull || other.k == KindNull {
		return false
	}
	if d.k != other.k {
		return false
	}
	switch d.k {
	case KindInt64, KindFloat64:
		return d.i == other.i
	default:
		return string(d.b) == string(other.b)
	}
}

// AppendHashBytes appends a canonical encoding of the datum to buf for
// hashing. The kind tag keeps values of different kinds, and NULL, from
// colliding byte-wise.
func (d *Datum) AppendHashBytes(buf []byte) []byte {
	buf = append(buf, d.k)
	switch d.k {
	case KindNull:
	case KindInt64, KindFloat64:
		buf = binary.LittleEndian.AppendUint64(buf, uint64(d.i))
	default:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(d.b)))
		buf = append(buf, d.b...)
	}
	return buf
}

// String implements fmt.Stringer.
func (d Datum) String() string {
	switch d.k {
	case KindNull:
		return "NULL"
	case KindInt64:
		return fmt.Sprintf("%d", d.i)
	case KindFloat64:
		return fmt.Sprintf("%g", d.GetFloat64())
	default:
		return string(d.b)
	}
}
