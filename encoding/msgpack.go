// Package encoding provides centralized serialization for gradm.
// ALL msgpack operations MUST go through this package so persisted records,
// replicated cluster metadata and published events share one format.
//
// Thread Safety: every function is safe for concurrent use.
package encoding

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// checksumSize is the length of the xxhash prefix written by Seal
const checksumSize = 8

// ErrChecksumMismatch is returned by Open when a sealed frame fails verification
var ErrChecksumMismatch = errors.New("checksum mismatch")

// Marshal encodes a value to msgpack format.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Unmarshal decodes msgpack data. When decoding into interface{}, strings are
// preserved as Go strings (not []byte).
func Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)

	return dec.Decode(v)
}

// Checksum returns the xxhash of a payload
func Checksum(payload []byte) uint64 {
	return xxhash.Sum64(payload)
}

// Seal encodes v and prefixes the payload with its big-endian xxhash.
func Seal(v interface{}) ([]byte, error) {
	payload, err := Marshal(v)
	if err != nil {
		return nil, err
	}

	frame := make([]byte, checksumSize+len(payload))
	binary.BigEndian.PutUint64(frame, xxhash.Sum64(payload))
	copy(frame[checksumSize:], payload)
	return frame, nil
}

// Open verifies a frame produced by Seal and decodes it into v.
func Open(frame []byte, v interface{}) error {
	if len(frame) < checksumSize {
		return fmt.Errorf("%w: frame too short (%d bytes)", ErrChecksumMismatch, len(frame))
	}

	want := binary.BigEndian.Uint64(frame[:checksumSize])
	payload := frame[checksumSize:]
	if got := xxhash.Sum64(payload); got != want {
		return fmt.Errorf("%w: want %016x, got %016x", ErrChecksumMismatch, want, got)
	}

	return Unmarshal(payload, v)
}
