package protocol

import "errors"

// A body is the plaintext sealed into a data frame:
//
//	1 byte: encoding (0 = raw, 1 = lz4)
//	N bytes: data
const (
	bodyRaw byte = 0
	bodyLZ4 byte = 1
)

var ErrInvalidBody = errors.New("protocol: invalid message body")

// EncodeBody prepares data for sealing. Data is compressed only when level is
// not CompressionOff and compression actually shrinks it.
func EncodeBody(data []byte, level CompressionLevel) []byte {
	if level != CompressionOff {
		if c, err := Compress(data, level); err == nil && len(c) < len(data) {
			return append([]byte{bodyLZ4}, c...)
		}
	}
	return append([]byte{bodyRaw}, data...)
}

// DecodeBody reverses EncodeBody.
func DecodeBody(body []byte) ([]byte, error) {
	if len(body) == 0 {
		return nil, ErrInvalidBody
	}
	switch body[0] {
	case bodyRaw:
		return body[1:], nil
	case bodyLZ4:
		return Decompress(body[1:])
	default:
		return nil, ErrInvalidBody
	}
}
