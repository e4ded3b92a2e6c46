// Package resources holds the shared resource set of the process and the
// background loader that fills it from the title catalog.
package resources

import (
	"errors"
	"fmt"
	"sync"

	"github.com/blevesearch/bleve/v2"

	"github.com/emuhost/emuhost/pkg/stores"
)

// Set is the shared, mutex-guarded title index. Titles are kept by serial and
// in an in-memory full-text index for Search.
type Set struct {
	mu     sync.RWMutex
	titles map[string]*stores.Title
	index  bleve.Index
}

// NewSet returns an empty set.
func NewSet() *Set {
	return &Set{titles: make(map[string]*stores.Title)}
}

// Add inserts or replaces a title.
func (s *Set) Add(title *stores.Title) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.index == nil {
		index, err := bleve.NewMemOnly(buildIndexMapping())
		if err != nil {
			return fmt.Errorf("failed to create title index: %w", err)
		}
		s.index = index
	}
	if err := s.index.Index(title.Serial, newTitleDocument(title)); err != nil {
		return fmt.Errorf("failed to index title %s: %w", title.Serial, err)
	}
	s.titles[title.Serial] = title
	return nil
}

// Lookup returns the title for serial.
func (s *Set) Lookup(serial string) (*stores.Title, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.titles[serial]
	return t, ok
}

// Len returns the number of loaded titles.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.titles)
}

// Clear drops every loaded title and the search index under the exclusive
// lock.
func (s *Set) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.titles = make(map[string]*stores.Title)
	if s.index == nil {
		return nil
	}
	err := s.index.Close()
	s.index = nil
	if err != nil && !errors.Is(err, bleve.ErrorIndexClosed) {
		return fmt.Errorf("failed to close title index: %w", err)
	}
	return nil
}
