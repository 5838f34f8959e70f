package membership

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	domain "github.com/R3E-Network/orgpay/internal/domain/membership"
	apperrors "github.com/R3E-Network/orgpay/internal/errors"
	"github.com/R3E-Network/orgpay/internal/storage/kv"
)

// TreeStore persists membership trees. Get returns a NotFound error for unknown
// organizations.
type TreeStore interface {
	GetTree(ctx context.Context, organizationID string) (*domain.Tree, error)
	PutTree(ctx context.Context, tree *domain.Tree) error
}

// MemoryStore keeps trees in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	trees map[string]*domain.Tree
}

var _ TreeStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{trees: make(map[string]*domain.Tree)}
}

func (s *MemoryStore) GetTree(_ context.Context, organizationID string) (*domain.Tree, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tree, ok := s.trees[organizationID]
	if !ok {
		return nil, apperrors.NewNotFoundError("tree", organizationID)
	}
	return tree.Clone(), nil
}

func (s *MemoryStore) PutTree(_ context.Context, tree *domain.Tree) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trees[tree.OrganizationID] = tree.Clone()
	return nil
}

// LevelDBStore persists trees as JSON documents under "tree/<org>".
type LevelDBStore struct {
	db *kv.Store
}

var _ TreeStore = (*LevelDBStore)(nil)

func NewLevelDBStore(db *kv.Store) *LevelDBStore {
	return &LevelDBStore{db: db}
}

func treeKey(organizationID string) []byte {
	return []byte("tree/" + organizationID)
}

func (s *LevelDBStore) GetTree(_ context.Context, organizationID string) (*domain.Tree, error) {
	data, ok, err := s.db.Get(treeKey(organizationID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.NewNotFoundError("tree", organizationID)
	}
	var tree domain.Tree
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("decode tree %s: %w", organizationID, err)
	}
	return &tree, nil
}

func (s *LevelDBStore) PutTree(_ context.Context, tree *domain.Tree) error {
	data, err := json.Marshal(tree)
	if err != nil {
		return fmt.Errorf("encode tree %s: %w", tree.OrganizationID, err)
	}
	return s.db.Put(treeKey(tree.OrganizationID), data)
}

// ListTrees returns every stored tree.
func (s *LevelDBStore) ListTrees(_ context.Context) ([]*domain.Tree, error) {
	pairs, err := s.db.Scan([]byte("tree/"))
	if err != nil {
		return nil, err
	}
	trees := make([]*domain.Tree, 0, len(pairs))
	for _, kvp := range pairs {
		var tree domain.Tree
		if err := json.Unmarshal(kvp[1], &tree); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kvp[0], err)
		}
		trees = append(trees, &tree)
	}
	return trees, nil
}
