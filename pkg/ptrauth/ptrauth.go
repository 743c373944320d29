// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ptrauth models pointer authentication: signing a pointer with a
// per-process key and a discriminator so that it can later be authenticated.
//
// Hardware signing is not available to user code, so SoftSigner computes the
// authentication code with a keyed BLAKE2b MAC and stores it in the pointer's
// unused high bits.
package ptrauth

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Key selects one of the four pointer-signing keys.
type Key uint8

// Signing keys. Instruction keys sign code pointers and data keys sign data
// pointers.
const (
	KeyIA Key = iota
	KeyIB
	KeyDA
	KeyDB
)

// String implements fmt.Stringer.String.
func (k Key) String() string {
	switch k {
	case KeyIA:
		return "IA"
	case KeyIB:
		return "IB"
	case KeyDA:
		return "DA"
	case KeyDB:
		return "DB"
	default:
		return fmt.Sprintf("Key(%d)", uint8(k))
	}
}

const (
	// AddressBits is the number of low pointer bits holding the address.
	AddressBits = 48

	addressMask = 1<<AddressBits - 1
)

// Signer signs pointers for one process.
type Signer interface {
	// Sign returns value carrying an authentication code for key and
	// discriminator.
	Sign(value uint64, key Key, discriminator uint64) uint64

	// ID identifies the signing key. Two signers with the same ID produce
	// identical signatures. Zero means signing is disabled.
	ID() uint64
}

// NoopSigner leaves pointers unchanged. It is used for processes and
// architectures without pointer authentication.
type NoopSigner struct{}

// Sign implements Signer.Sign.
func (NoopSigner) Sign(value uint64, _ Key, _ uint64) uint64 { return value }

// ID implements Signer.ID.
func (NoopSigner) ID() uint64 { return 0 }

// Enabled returns true if s is non-nil and actually signs.
func Enabled(s Signer) bool {
	return s != nil && s.ID() != 0
}

// SoftSigner signs pointers in software.
type SoftSigner struct {
	id  uint64
	key [blake2b.Size256]byte
}

// NewSoftSigner returns a signer whose MAC key is derived from id and seed.
// id must be non-zero.
func NewSoftSigner(id uint64, seed []byte) (*SoftSigner, error) {
	if id == 0 {
		return nil, fmt.Errorf("signer id must be non-zero")
	}
	var idb [8]byte
	binary.LittleEndian.PutUint64(idb[:], id)
	s := &SoftSigner{id: id}
	s.key = blake2b.Sum256(append(idb[:], seed...))
	return s, nil
}

// ID implements Signer.ID.
func (s *SoftSigner) ID() uint64 { return s.id }

// Sign implements Signer.Sign.
func (s *SoftSigner) Sign(value uint64, key Key, discriminator uint64) uint64 {
	return Strip(value) | s.pac(Strip(value), key, discriminator)<<AddressBits
}

// Auth verifies a signed pointer and returns the stripped address.
func (s *SoftSigner) Auth(signed uint64, key Key, discriminator uint64) (uint64, bool) {
	addr := Strip(signed)
	return addr, signed>>AddressBits == s.pac(addr, key, discriminator)
}

func (s *SoftSigner) pac(addr uint64, key Key, discriminator uint64) uint64 {
	h, err := blake2b.New256(s.key[:])
	if err != nil {
		// Only possible for keys longer than 64 bytes.
		panic(fmt.Sprintf("blake2b.New256: %v", err))
	}
	var buf [17]byte
	binary.LittleEndian.PutUint64(buf[0:8], addr)
	buf[8] = byte(key)
	binary.LittleEndian.PutUint64(buf[9:17], discriminator)
	h.Write(buf[:])
	sum := h.Sum(nil)
	return uint64(binary.LittleEndian.Uint16(sum))
}

// Strip removes any authentication code from v.
func Strip(v uint64) uint64 {
	return v & addressMask
}

// BlendDiscriminator mixes a storage address with a 16-bit diversity value,
// producing the discriminator for address-diversified pointers.
func BlendDiscriminator(addr uint64, diversity uint16) uint64 {
	return addr&addressMask | uint64(diversity)<<AddressBits
}
