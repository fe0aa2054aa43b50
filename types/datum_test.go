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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDatumKinds(t *testing.T) {
	var null Datum
	require.True(t, null.IsNull())

	d := NewIntDatum(42)
	require.Equal(t, KindInt64, d.Kind())
	require.Equal(t, int64(42), d.GetInt64())

	f := NewFloat64Datum(2.5)
	require.Equal(t, KindFloat64, f.Kind())
	require.Equal(t, 2.5, f.GetFloat64())

	s := NewStringDatum("abc")
	require.Equal(t, KindString, s.Kind())
	require.Equal(t, "abc", s.GetString())
}

func TestDatumEqual(t *testing.T) {
	a := NewIntDatum(1)
	b := NewIntDatum(1)
	c := NewIntDatum(2)
	require.True(t, a.Equal(&b))
	require.False(t, a.Equal(&c))

	// NULL never equals anything, including NULL.
	var null, null2 Datum
	require.False(t, null.Equal(&null2))
	require.False(t, null.Equal(&a))

	// Values of different kinds never compare equal.
	f := NewFloat64Datum(1)
	require.False(t, a.Equal(&f))

	s1 := NewStringDatum("x")
	s2 := NewStringDatum("x")
	require.True(t, s1.Equal(&s2))
}

func TestDatumHashBytes(t *testing.T) {
	a := NewIntDatum(1)
	b := NewIntDatum(1)
	require.Equal(t, a.AppendHashBytes(nil), b.AppendHashBytes(nil))

	// The kind tag keeps equal byte patterns of different kinds apart.
	var null Datum
	i := NewIntDatum(0)
	require.NotEqual(t, null.AppendHashBytes(nil), i.AppendHashBytes(nil))

	s := NewStringDatum("ab")
	bs := NewDatum([]byte("ab"))
	require.NotEqual(t, s.AppendHashBytes(nil), bs.AppendHashBytes(nil))

	// Appending preserves the prefix.
	buf := a.AppendHashBytes(nil)
	buf = s.AppendHashBytes(buf)
	require.Equal(t, a.AppendHashBytes(nil), buf[:len(a.AppendHashBytes(nil))])
}
