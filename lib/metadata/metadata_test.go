/*
Copyright 2024 Ordinals Plus

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package metadata

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"
)

func TestFromCBOR(t *testing.T) {
	t.Parallel()

	blob, err := cbor.Marshal(map[string]any{
		"id": "did:btco:1000",
		"verificationMethod": []any{
			map[string]any{"type": "Multikey"},
		},
		"count":  int64(3),
		"active": true,
		"raw":    []byte{0x01, 0x02},
	})
	require.NoError(t, err)

	v, err := FromCBOR(blob)
	require.NoError(t, err)
	require.Equal(t, KindMap, v.Kind())

	id, ok := v.Field("id")
	require.True(t, ok)
	s, ok := id.AsString()
	require.True(t, ok)
	require.Equal(t, "did:btco:1000", s)

	vm, ok := v.Field("verificationMethod")
	require.True(t, ok)
	elems, ok := vm.AsList()
	require.True(t, ok)
	require.Len(t, elems, 1)

	count, ok := v.Field("count")
	require.True(t, ok)
	n, ok := count.AsInt()
	require.True(t, ok)
	require.Equal(t, int64(3), n)

	active, ok := v.Field("active")
	require.True(t, ok)
	b, ok := active.AsBool()
	require.True(t, ok)
	require.True(t, b)

	raw, ok := v.Field("raw")
	require.True(t, ok)
	bs, ok := raw.AsBytes()
	require.True(t, ok)
	require.Equal(t, []byte{0x01, 0x02}, bs)
}

func TestFromCBOREmpty(t *testing.T) {
	t.Parallel()

	v, err := FromCBOR(nil)
	require.NoError(t, err)
	require.True(t, v.IsNull())
}

func TestFromCBORMalformed(t *testing.T) {
	t.Parallel()

	_, err := FromCBOR([]byte{0xff, 0x00})
	require.Error(t, err)
}

func TestFromJSON(t *testing.T) {
	t.Parallel()

	v, err := FromJSON([]byte(`{
		"type": ["VerifiableCredential"],
		"credentialSubject": {"id": "did:btco:42"},
		"issued": 1700000000,
		"score": 1.5
	}`))
	require.NoError(t, err)

	types, ok := v.Field("type")
	require.True(t, ok)
	elems, ok := types.AsList()
	require.True(t, ok)
	require.Len(t, elems, 1)

	// Integral JSON numbers become ints, fractional ones normalise to
	// strings.
	issued, ok := v.Field("issued")
	require.True(t, ok)
	n, ok := issued.AsInt()
	require.True(t, ok)
	require.Equal(t, int64(1700000000), n)

	score, ok := v.Field("score")
	require.True(t, ok)
	require.Equal(t, KindString, score.Kind())
}

func TestNonStringMapKeys(t *testing.T) {
	t.Parallel()

	blob, err := cbor.Marshal(map[any]any{
		int64(1): "one",
		"two":    int64(2),
	})
	require.NoError(t, err)

	v, err := FromCBOR(blob)
	require.NoError(t, err)

	one, ok := v.Field("1")
	require.True(t, ok)
	s, ok := one.AsString()
	require.True(t, ok)
	require.Equal(t, "one", s)
}

func TestIsEmpty(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		value Value
		empty bool
	}{
		{name: "null", value: Null(), empty: true},
		{name: "empty map", value: NewMap(map[string]Value{}), empty: true},
		{name: "empty list", value: NewList(), empty: true},
		{name: "empty string", value: NewString(""), empty: true},
		{name: "zero int", value: NewInt(0), empty: false},
		{name: "false", value: NewBool(false), empty: false},
		{name: "populated list", value: NewList(NewInt(1)), empty: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.empty, tc.value.IsEmpty())
		})
	}
}

func TestMarshalJSONDeterministic(t *testing.T) {
	t.Parallel()

	v := NewMap(map[string]Value{
		"b": NewInt(2),
		"a": NewString("x"),
		"c": NewList(NewBool(true), Null()),
	})
	first, err := v.MarshalJSON()
	require.NoError(t, err)
	require.JSONEq(t, `{"a":"x","b":2,"c":[true,null]}`, string(first))

	for i := 0; i < 10; i++ {
		again, err := v.MarshalJSON()
		require.NoError(t, err)
		require.Equal(t, string(first), string(again))
	}
}
