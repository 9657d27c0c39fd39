package record

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sotomayorlucas/vaultos/internal/schema"
)

func TestSerializeRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		build func() *Record
	}{
		{
			"no fields",
			func() *Record {
				r := New(3)
				r.RowID = 17
				return r
			},
		},
		{
			"every type",
			func() *Record {
				r := New(1)
				r.RowID = 42
				r.FieldCount = 7
				r.SetU8(0, 200)
				r.SetU32(1, 123456)
				r.SetU64(2, 1<<40)
				r.SetI64(3, -77)
				r.SetBool(4, true)
				r.SetStr(5, "hello")
				r.SetBlob(6, []byte{0xDE, 0xAD, 0xBE, 0xEF})
				return r
			},
		},
		{
			"sparse slots survive",
			func() *Record {
				r := New(2)
				r.RowID = 9
				r.FieldCount = 4
				r.SetU64(0, 9)
				r.SetStr(3, "tail")
				return r
			},
		},
		{
			"empty string and blob",
			func() *Record {
				r := New(0)
				r.RowID = 1
				r.FieldCount = 2
				r.SetStr(0, "")
				r.SetBlob(1, []byte{})
				return r
			},
		},
		{
			"max length string",
			func() *Record {
				r := New(0)
				r.RowID = 5
				r.FieldCount = 1
				r.SetStr(0, strings.Repeat("x", schema.MaxStrLen))
				return r
			},
		},
	}

	buf := make([]byte, schema.MaxRecordSize)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := tt.build()
			n, err := Serialize(in, buf)
			require.NoError(t, err)
			require.Greater(t, n, 0)

			out, consumed, err := Deserialize(buf[:n])
			require.NoError(t, err)
			assert.Equal(t, n, consumed)
			if diff := cmp.Diff(in, out, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("round trip mismatch (-in +out):\n%s", diff)
			}
		})
	}
}

func TestSerializeOverLongStringTruncates(t *testing.T) {
	r := New(0)
	r.FieldCount = 1
	// SetStr truncates on entry; a field assigned directly is clamped by
	// the codec itself.
	r.Fields[0] = &Field{Type: schema.Str, Str: strings.Repeat("y", schema.MaxStrLen+40)}

	buf := make([]byte, schema.MaxRecordSize)
	n, err := Serialize(r, buf)
	require.NoError(t, err)

	out, _, err := Deserialize(buf[:n])
	require.NoError(t, err)
	assert.Len(t, out.Fields[0].Str, schema.MaxStrLen)
}

func TestSerializeBufferOverflow(t *testing.T) {
	r := New(0)
	r.RowID = 1
	r.FieldCount = 1
	r.SetStr(0, "this will not fit")

	_, err := Serialize(r, make([]byte, 20))
	assert.ErrorIs(t, err, ErrOverflow)

	_, err = Serialize(r, make([]byte, 4))
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestSerializeRejectsExcessFieldCount(t *testing.T) {
	r := New(0)
	r.FieldCount = schema.MaxColumns + 1
	_, err := Serialize(r, make([]byte, schema.MaxRecordSize))
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestDeserializeTruncated(t *testing.T) {
	r := New(0)
	r.RowID = 3
	r.FieldCount = 2
	r.SetU64(0, 10)
	r.SetStr(1, "payload")

	buf := make([]byte, schema.MaxRecordSize)
	n, err := Serialize(r, buf)
	require.NoError(t, err)

	for _, cut := range []int{0, 8, headerSize, n - 1} {
		_, _, err := Deserialize(buf[:cut])
		assert.Error(t, err, "cut at %d", cut)
	}
}

func TestDeserializeBadTag(t *testing.T) {
	r := New(0)
	r.FieldCount = 1
	r.SetU8(0, 1)
	buf := make([]byte, schema.MaxRecordSize)
	n, err := Serialize(r, buf)
	require.NoError(t, err)

	buf[headerSize] = 0x7E // no such type
	_, _, err = Deserialize(buf[:n])
	assert.ErrorIs(t, err, ErrBadTag)
}

func TestClone(t *testing.T) {
	r := New(4)
	r.RowID = 11
	r.FieldCount = 3
	r.SetStr(0, "a")
	r.SetBlob(1, []byte{1, 2})
	r.SetU64(2, 5)

	c := r.Clone()
	if diff := cmp.Diff(r, c); diff != "" {
		t.Fatalf("clone mismatch:\n%s", diff)
	}

	c.Fields[0].Str = "b"
	c.Fields[1].Blob[0] = 9
	assert.Equal(t, "a", r.Fields[0].Str)
	assert.Equal(t, byte(1), r.Fields[1].Blob[0])
}
