package catalog

import (
	"bytes"
	"encoding/binary"

	"github.com/coredb/coredb/internal/codec"
)

// encodeSysKey renders an id as the big-endian 8-byte key SYS rows are
// stored under, so a plain byte-order scan of the backing map visits
// rows in id order (spec.md §4.8 open() step 2: "scan it in id
// order").
func encodeSysKey(id int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(id))
	return k
}

func decodeSysKey(k []byte) int64 {
	return int64(binary.BigEndian.Uint64(k))
}

// encodeSysRow packs (kind, sql) into the codec.Value stored at a SYS
// row's key.
func encodeSysRow(kind ObjectKind, sql string) *codec.Value {
	var buf bytes.Buffer
	var kindBytes [4]byte
	binary.BigEndian.PutUint32(kindBytes[:], uint32(kind))
	buf.Write(kindBytes[:])
	buf.WriteString(sql)
	return codec.BytesValue(buf.Bytes())
}

func decodeSysRow(v *codec.Value) (ObjectKind, string, error) {
	if v == nil || len(v.Bytes) < 4 {
		return 0, "", errMalformedSysRow
	}
	kind := ObjectKind(binary.BigEndian.Uint32(v.Bytes[:4]))
	sql := string(v.Bytes[4:])
	return kind, sql, nil
}
