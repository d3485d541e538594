package cache

import (
	"encoding/binary"
	"errors"
)

var errEnvelope = errors.New("malformed cache envelope")

// maxTag bounds the version tag length accepted when decoding.
const maxTag = 256

// encodeEnvelope prefixes data with its version tag:
// uvarint(len(tag)) | tag | data.
func encodeEnvelope(tag string, data []byte) []byte {
	buf := make([]byte, 0, binary.MaxVarintLen64+len(tag)+len(data))
	buf = binary.AppendUvarint(buf, uint64(len(tag)))
	buf = append(buf, tag...)
	return append(buf, data...)
}

func decodeEnvelope(raw []byte) (string, []byte, error) {
	n, w := binary.Uvarint(raw)
	if w <= 0 || n > maxTag || uint64(len(raw)-w) < n {
		return "", nil, errEnvelope
	}
	tag := string(raw[w : w+int(n)])
	return tag, raw[w+int(n):], nil
}
