package membership

import (
	"bytes"

	domain "github.com/R3E-Network/orgpay/internal/domain/membership"
	"github.com/R3E-Network/orgpay/internal/hashing"
)

// emptyTag seeds the digest reserved for a tree with no leaves.
var emptyTag = []byte("orgpay/membership/empty-tree")

// EmptyDigest is the root of a tree with no leaves.
func EmptyDigest(h hashing.Hasher) []byte {
	return h.Hash(emptyTag)
}

// ComputeRoot reduces leaf hashes pairwise until one digest remains. The last node
// of an odd level is paired with itself.
func ComputeRoot(h hashing.Hasher, hashes [][]byte) []byte {
	if len(hashes) == 0 {
		return EmptyDigest(h)
	}
	level := hashes
	for len(level) > 1 {
		level = nextLevel(h, level)
	}
	return append([]byte(nil), level[0]...)
}

// Height is the number of pairing levels above n leaves.
func Height(n int) int {
	height := 0
	for width := n; width > 1; width = (width + 1) / 2 {
		height++
	}
	return height
}

func nextLevel(h hashing.Hasher, level [][]byte) [][]byte {
	parents := make([][]byte, 0, (len(level)+1)/2)
	for i := 0; i < len(level); i += 2 {
		right := level[i]
		if i+1 < len(level) {
			right = level[i+1]
		}
		parents = append(parents, h.HashPair(level[i], right))
	}
	return parents
}

// BuildPath derives the sibling path for the leaf at index. A node without a
// right neighbour uses itself as its sibling, matching ComputeRoot.
func BuildPath(h hashing.Hasher, hashes [][]byte, index int) (domain.Path, bool) {
	if index < 0 || index >= len(hashes) {
		return domain.Path{}, false
	}

	path := domain.Path{
		LeafIndex: uint64(index),
		Leaf:      append(domain.Digest(nil), hashes[index]...),
	}
	level := hashes
	for len(level) > 1 {
		var sibling []byte
		var dir domain.Direction
		if index%2 == 0 {
			dir = domain.SiblingRight
			if index+1 < len(level) {
				sibling = level[index+1]
			} else {
				sibling = level[index]
			}
		} else {
			dir = domain.SiblingLeft
			sibling = level[index-1]
		}
		path.Siblings = append(path.Siblings, append(domain.Digest(nil), sibling...))
		path.Directions = append(path.Directions, dir)

		level = nextLevel(h, level)
		index /= 2
	}
	path.Root = append(domain.Digest(nil), level[0]...)
	return path, true
}

// FoldPath hashes leaf up through the path and returns the resulting root.
func FoldPath(h hashing.Hasher, leaf []byte, path domain.Path) []byte {
	node := leaf
	for i, sibling := range path.Siblings {
		if i < len(path.Directions) && path.Directions[i] == domain.SiblingLeft {
			node = h.HashPair(sibling, node)
		} else {
			node = h.HashPair(node, sibling)
		}
	}
	return node
}

// VerifyPath reports whether leaf and path reproduce root.
func VerifyPath(h hashing.Hasher, leaf []byte, path domain.Path, root []byte) bool {
	if len(path.Siblings) != len(path.Directions) {
		return false
	}
	return bytes.Equal(FoldPath(h, leaf, path), root)
}
