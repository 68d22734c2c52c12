package snapshot

import (
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/fxamacker/cbor/v2"
)

// FormatVersion is the envelope revision written by Encode.
const FormatVersion = 1

const magic = "HSNP"

var (
	// ErrChecksumMismatch is returned when the payload does not match its checksum.
	ErrChecksumMismatch = errors.New("snapshot: checksum mismatch")
	// ErrVersion is returned for envelopes written by an unknown format revision.
	ErrVersion = errors.New("snapshot: unsupported format version")
	// ErrMalformed is returned when the bytes are not a snapshot envelope.
	ErrMalformed = errors.New("snapshot: malformed envelope")
)

type envelope struct {
	Magic    string `cbor:"1,keyasint"`
	Version  uint16 `cbor:"2,keyasint"`
	Checksum uint64 `cbor:"3,keyasint"`
	Payload  []byte `cbor:"4,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	var err error
	if encMode, err = opts.EncMode(); err != nil {
		panic(fmt.Sprintf("snapshot: cbor encode mode: %v", err))
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic(fmt.Sprintf("snapshot: cbor decode mode: %v", err))
	}
}

// Encode renders snap into a self-checking binary envelope suitable for
// transfer to the next host.
func Encode(snap Snapshot) ([]byte, error) {
	payload, err := encMode.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	data, err := encMode.Marshal(envelope{
		Magic:    magic,
		Version:  FormatVersion,
		Checksum: xxhash.Sum64(payload),
		Payload:  payload,
	})
	if err != nil {
		return nil, fmt.Errorf("encode snapshot envelope: %w", err)
	}
	return data, nil
}

// Decode verifies and parses bytes produced by Encode.
func Decode(data []byte) (Snapshot, error) {
	var env envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot envelope: %w: %v", ErrMalformed, err)
	}
	if env.Magic != magic {
		return Snapshot{}, fmt.Errorf("decode snapshot envelope: %w", ErrMalformed)
	}
	if env.Version != FormatVersion {
		return Snapshot{}, fmt.Errorf("decode snapshot v%d: %w", env.Version, ErrVersion)
	}
	if sum := xxhash.Sum64(env.Payload); sum != env.Checksum {
		return Snapshot{}, fmt.Errorf("decode snapshot (have %x, want %x): %w", sum, env.Checksum, ErrChecksumMismatch)
	}
	var snap Snapshot
	if err := decMode.Unmarshal(env.Payload, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot payload: %w", err)
	}
	return snap, nil
}
