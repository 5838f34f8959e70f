package membership

import (
	"bytes"
	"encoding/hex"
	"time"
)

// Digest is a hash value, hex encoded in text form.
type Digest []byte

func (d Digest) String() string { return hex.EncodeToString(d) }

func (d Digest) Equal(other Digest) bool { return bytes.Equal(d, other) }

func (d Digest) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(d)), nil
}

func (d *Digest) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return err
	}
	*d = b
	return nil
}

// ParseDigest decodes a hex digest.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	err := d.UnmarshalText([]byte(s))
	return d, err
}

// Leaf is an appended member commitment. Index is never reused.
type Leaf struct {
	Index uint64 `json:"index"`
	Hash  Digest `json:"hash"`
}

// Tree is an organization's append-only membership tree.
type Tree struct {
	OrganizationID string    `json:"organization_id"`
	Hasher         string    `json:"hasher"`
	Root           Digest    `json:"root"`
	Height         int       `json:"height"`
	Leaves         []Leaf    `json:"leaves"`
	PreviousRoots  []Digest  `json:"previous_roots"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// LeafHashes returns the leaf digests in index order.
func (t *Tree) LeafHashes() [][]byte {
	out := make([][]byte, len(t.Leaves))
	for i, l := range t.Leaves {
		out[i] = l.Hash
	}
	return out
}

// Clone deep-copies the tree.
func (t *Tree) Clone() *Tree {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Root = append(Digest(nil), t.Root...)
	cp.Leaves = make([]Leaf, len(t.Leaves))
	for i, l := range t.Leaves {
		cp.Leaves[i] = Leaf{Index: l.Index, Hash: append(Digest(nil), l.Hash...)}
	}
	cp.PreviousRoots = make([]Digest, len(t.PreviousRoots))
	for i, r := range t.PreviousRoots {
		cp.PreviousRoots[i] = append(Digest(nil), r...)
	}
	return &cp
}

// Direction says on which side of the running hash a path sibling sits.
type Direction uint8

const (
	// SiblingRight means the running hash is the left input.
	SiblingRight Direction = 0
	// SiblingLeft means the running hash is the right input.
	SiblingLeft Direction = 1
)

// Path is the sibling list from a leaf up to the root.
type Path struct {
	LeafIndex  uint64      `json:"leaf_index"`
	Leaf       Digest      `json:"leaf"`
	Root       Digest      `json:"root"`
	Siblings   []Digest    `json:"siblings"`
	Directions []Direction `json:"directions"`
}
