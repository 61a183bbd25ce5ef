package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Strob0t/mesync/internal/domain"
	"github.com/Strob0t/mesync/internal/domain/entity"
	"github.com/Strob0t/mesync/internal/port/cache"
	"github.com/Strob0t/mesync/internal/port/database"
)

const parentKeyPrefix = "mesync:parent:"

// HierarchyService is a read-only view over the module -> sub-program ->
// component -> activity tree. Parent links are cached; node contents are
// always read from the store since the status calculator rewrites them.
type HierarchyService struct {
	store database.Store
	cache cache.Cache
	ttl   time.Duration
}

// NewHierarchyService creates a hierarchy accessor. c may be nil.
func NewHierarchyService(store database.Store, c cache.Cache, ttl time.Duration) *HierarchyService {
	return &HierarchyService{store: store, cache: c, ttl: ttl}
}

// Node returns one entity of the tree.
func (s *HierarchyService) Node(ctx context.Context, ref entity.Ref) (*entity.Node, error) {
	if !ref.Type.InHierarchy() {
		return nil, fmt.Errorf("%w: %s is not a hierarchy level", domain.ErrValidation, ref.Type)
	}
	return s.store.GetNode(ctx, ref)
}

// Parent returns the parent ref of ref, or a zero Ref for modules.
func (s *HierarchyService) Parent(ctx context.Context, ref entity.Ref) (entity.Ref, error) {
	if !ref.Type.InHierarchy() {
		return entity.Ref{}, fmt.Errorf("%w: %s is not a hierarchy level", domain.ErrValidation, ref.Type)
	}
	if ref.Type.Parent() == "" {
		return entity.Ref{}, nil
	}

	key := parentKeyPrefix + ref.String()
	if s.cache != nil {
		if data, ok, err := s.cache.Get(ctx, key); err != nil {
			slog.Debug("hierarchy cache get failed", "key", key, "error", err)
		} else if ok {
			if parent, err := entity.ParseRef(string(data)); err == nil {
				return parent, nil
			}
		}
	}

	node, err := s.store.GetNode(ctx, ref)
	if err != nil {
		return entity.Ref{}, fmt.Errorf("get %s: %w", ref, err)
	}
	parent := node.ParentRef()
	if s.cache != nil && !parent.IsZero() {
		if err := s.cache.Set(ctx, key, []byte(parent.String()), s.ttl); err != nil {
			slog.Debug("hierarchy cache set failed", "key", key, "error", err)
		}
	}
	return parent, nil
}

// Chain returns ref followed by its ancestors up to the module, bottom-up.
func (s *HierarchyService) Chain(ctx context.Context, ref entity.Ref) ([]entity.Ref, error) {
	chain := []entity.Ref{ref}
	cur := ref
	for cur.Type.Parent() != "" {
		parent, err := s.Parent(ctx, cur)
		if err != nil {
			return nil, err
		}
		if parent.IsZero() {
			break
		}
		chain = append(chain, parent)
		cur = parent
	}
	return chain, nil
}

// Ancestors returns the ancestor nodes of ref, nearest first.
func (s *HierarchyService) Ancestors(ctx context.Context, ref entity.Ref) ([]entity.Node, error) {
	chain, err := s.Chain(ctx, ref)
	if err != nil {
		return nil, err
	}
	nodes := make([]entity.Node, 0, len(chain)-1)
	for _, r := range chain[1:] {
		n, err := s.store.GetNode(ctx, r)
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", r, err)
		}
		nodes = append(nodes, *n)
	}
	return nodes, nil
}

// Children returns the direct children of ref. Activities have none.
func (s *HierarchyService) Children(ctx context.Context, ref entity.Ref) ([]entity.Node, error) {
	if !ref.Type.InHierarchy() {
		return nil, fmt.Errorf("%w: %s is not a hierarchy level", domain.ErrValidation, ref.Type)
	}
	if ref.Type.IsLeaf() {
		return nil, nil
	}
	return s.store.ListChildren(ctx, ref)
}

// Modules returns all root nodes.
func (s *HierarchyService) Modules(ctx context.Context) ([]entity.Node, error) {
	return s.store.ListModules(ctx)
}

// Invalidate drops the cached parent link of ref, after a re-parent or delete.
func (s *HierarchyService) Invalidate(ctx context.Context, ref entity.Ref) {
	if s.cache == nil || !ref.Type.InHierarchy() {
		return
	}
	if err := s.cache.Delete(ctx, parentKeyPrefix+ref.String()); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("hierarchy cache invalidate failed", "ref", ref.String(), "error", err)
	}
}
