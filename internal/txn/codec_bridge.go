package txn

import "github.com/coredb/coredb/internal/codec"

func encodeRedoValue(v *codec.Value) []byte {
	return codec.Encode(v)
}

func decodeRedoValue(data []byte) (*codec.Value, error) {
	return codec.Decode(data)
}
