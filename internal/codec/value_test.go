package codec

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []*Value{
		NullValue(),
		IntValue(42),
		IntValue(-1),
		BoolValue(true),
		BoolValue(false),
		DoubleValue(3.14159),
		StringValue("hello, world"),
		StringValue(""),
		BytesValue([]byte{0x01, 0x02, 0x03}),
		UUIDValue(uuid.New()),
		DecimalValue(decimal.NewFromFloat(19.99)),
	}

	for _, v := range cases {
		encoded := Encode(v)
		decoded, err := Decode(encoded)
		require.NoError(t, err)
		assert.Equal(t, v.Tag, decoded.Tag)
		switch v.Tag {
		case TagLong:
			assert.Equal(t, v.Int, decoded.Int)
		case TagBoolean:
			assert.Equal(t, v.Bool, decoded.Bool)
		case TagDouble:
			assert.Equal(t, v.Double, decoded.Double)
		case TagString:
			assert.Equal(t, v.Str, decoded.Str)
		case TagBytes:
			assert.Equal(t, v.Bytes, decoded.Bytes)
		case TagUUID:
			assert.Equal(t, v.UUID, decoded.UUID)
		case TagDecimal:
			assert.True(t, v.Decimal.Equal(decoded.Decimal))
		}
	}
}

func TestIsTombstone(t *testing.T) {
	assert.True(t, IsTombstone(nil))
	assert.True(t, IsTombstone(NullValue()))
	assert.False(t, IsTombstone(IntValue(0)))
	assert.False(t, IsTombstone(StringValue("")))
}

func TestDecodeTruncatedFails(t *testing.T) {
	encoded := Encode(StringValue("abcdefgh"))
	_, err := Decode(encoded[:len(encoded)-2])
	assert.Error(t, err)
}
