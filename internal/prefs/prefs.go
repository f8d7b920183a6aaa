// Package prefs answers whether a recipient has opted out of a
// message category. Transactional categories are always allowed; the
// gate only applies to optional traffic such as marketing and
// summaries.
package prefs

import (
	"context"

	"github.com/atlasdesk/mailroom/internal/domain"
)

// Store reports whether a user accepts messages of a category. A nil
// or empty userID means the recipient is not a registered user and is
// always allowed.
type Store interface {
	IsAllowed(ctx context.Context, userID string, category domain.Category) (bool, error)
}

// optional categories honor opt-outs; everything else is mandatory.
var optionalCategories = map[domain.Category]bool{
	domain.CategoryMarketing: true,
	domain.CategorySummary:   true,
}

// Optional reports whether a category is subject to opt-out.
func Optional(category domain.Category) bool {
	return optionalCategories[category]
}

// AllowAll permits every category for every user. Used until a real
// preference backend is wired in.
type AllowAll struct{}

func (AllowAll) IsAllowed(ctx context.Context, userID string, category domain.Category) (bool, error) {
	return true, nil
}

// MemoryStore keeps opt-outs in memory, keyed by user and category.
// It is intended for tests and local development.
type MemoryStore struct {
	optOuts map[string]map[domain.Category]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{optOuts: make(map[string]map[domain.Category]bool)}
}

func (s *MemoryStore) OptOut(userID string, category domain.Category) {
	if s.optOuts[userID] == nil {
		s.optOuts[userID] = make(map[domain.Category]bool)
	}
	s.optOuts[userID][category] = true
}

func (s *MemoryStore) IsAllowed(ctx context.Context, userID string, category domain.Category) (bool, error) {
	if userID == "" || !Optional(category) {
		return true, nil
	}
	return !s.optOuts[userID][category], nil
}
