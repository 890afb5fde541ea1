// Package snapshot encodes free list state for storage and lockstep comparison.
//
// Encoding is deterministic CBOR (core deterministic options: sorted map keys,
// shortest integer forms), so two pools in the same state always produce the
// same bytes and the same digest. The digest is what an RTL co-simulation run
// compares cycle by cycle; the full encoding is kept for post-mortem restore.
package snapshot

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/sha3"

	"github.com/yanghaoming95/riscv-boom/proto/freelist"
)

// DigestSize is the length of a state digest in bytes.
const DigestSize = 32

// Digest identifies one encoded state.
type Digest [DigestSize]byte

// Stage is the state of every register class, keyed by class name.
type Stage map[string]freelist.Snapshot

type Codec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func NewCodec() (Codec, error) {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return Codec{}, err
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return Codec{}, err
	}
	return Codec{enc: enc, dec: dec}, nil
}

func (c Codec) Encode(s freelist.Snapshot) ([]byte, error) {
	data, err := c.enc.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("snapshot: encode: %w", err)
	}
	return data, nil
}

func (c Codec) Decode(data []byte) (freelist.Snapshot, error) {
	var s freelist.Snapshot
	if err := c.dec.Unmarshal(data, &s); err != nil {
		return freelist.Snapshot{}, fmt.Errorf("snapshot: decode: %w", err)
	}
	return s, nil
}

// EncodeStage encodes the state of all classes as one CBOR map.
func (c Codec) EncodeStage(s Stage) ([]byte, error) {
	data, err := c.enc.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("snapshot: encode stage: %w", err)
	}
	return data, nil
}

func (c Codec) DecodeStage(data []byte) (Stage, error) {
	var s Stage
	if err := c.dec.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("snapshot: decode stage: %w", err)
	}
	return s, nil
}

// Sum returns the SHA3-256 digest of encoded state.
func Sum(data []byte) Digest {
	return sha3.Sum256(data)
}

// Digest encodes s and returns the digest along with the encoding.
func (c Codec) Digest(s freelist.Snapshot) (Digest, []byte, error) {
	data, err := c.Encode(s)
	if err != nil {
		return Digest{}, nil, err
	}
	return Sum(data), data, nil
}

func (d Digest) String() string {
	return fmt.Sprintf("%x", d[:])
}
