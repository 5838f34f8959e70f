// Package hashing provides the digest functions used by the membership tree and by
// amount commitments.
package hashing

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
	"golang.org/x/crypto/blake2b"
)

// Size is the digest length of every Hasher.
const Size = 32

// Hasher produces fixed-size digests.
type Hasher interface {
	Name() string
	// Hash digests the concatenation of parts.
	Hash(parts ...[]byte) []byte
	// HashPair digests two child digests into their parent.
	HashPair(left, right []byte) []byte
}

// New returns the hasher registered under name. An empty name selects blake2b.
func New(name string) (Hasher, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "blake2b", "blake2b-256":
		return Blake2b{}, nil
	case "mimc", "mimc-bn254":
		return MiMC{}, nil
	default:
		return nil, fmt.Errorf("unknown hasher %q", name)
	}
}

// Domain tags prefixed to Blake2b input. A leaf digest can never equal an
// internal node digest, whatever the leaf material.
const (
	leafTag byte = 0x00
	nodeTag byte = 0x01
)

// Blake2b is BLAKE2b-256 with leaf and node domain tags.
type Blake2b struct{}

func (Blake2b) Name() string { return "blake2b" }

func (Blake2b) Hash(parts ...[]byte) []byte {
	return blake2bTagged(leafTag, parts...)
}

func (Blake2b) HashPair(left, right []byte) []byte {
	return blake2bTagged(nodeTag, left, right)
}

func blake2bTagged(tag byte, parts ...[]byte) []byte {
	h, _ := blake2b.New256(nil)
	h.Write([]byte{tag})
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// MiMC is MiMC over the BN254 scalar field. Its pair hash consumes two field
// elements directly, so trees built with it can be re-hashed inside a circuit.
type MiMC struct{}

const chunkSize = fr.Bytes - 1

func (MiMC) Name() string { return "mimc" }

// Hash packs the concatenated input into 31-byte chunks (each below the field
// modulus) followed by a length block, so distinct inputs never share a block sequence.
func (MiMC) Hash(parts ...[]byte) []byte {
	var total int
	for _, p := range parts {
		total += len(p)
	}
	data := make([]byte, 0, total)
	for _, p := range parts {
		data = append(data, p...)
	}

	h := mimc.NewMiMC()
	block := make([]byte, fr.Bytes)
	for start := 0; start < len(data); start += chunkSize {
		end := start + chunkSize
		if end > len(data) {
			end = len(data)
		}
		clear(block)
		copy(block[fr.Bytes-(end-start):], data[start:end])
		h.Write(block)
	}
	clear(block)
	binary.BigEndian.PutUint64(block[fr.Bytes-8:], uint64(len(data)))
	h.Write(block)
	return h.Sum(nil)
}

func (MiMC) HashPair(left, right []byte) []byte {
	h := mimc.NewMiMC()
	l := toElement(left)
	r := toElement(right)
	h.Write(l[:])
	h.Write(r[:])
	return h.Sum(nil)
}

func toElement(b []byte) [fr.Bytes]byte {
	var e fr.Element
	e.SetBytes(b)
	return e.Bytes()
}

// FieldElement reduces b into the BN254 scalar field and renders it in decimal,
// the encoding proving systems expect for public signals.
func FieldElement(b []byte) string {
	var e fr.Element
	e.SetBytes(b)
	return e.String()
}
