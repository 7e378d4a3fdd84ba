package sentio

import (
	"fmt"
	"strings"
	"sync"
)

// Session numbers the records shown to an operator (P1, P2, ...) so a
// review can refer to them without copying record IDs.
type Session struct {
	mu      sync.Mutex
	records map[string]string // session ref (P1, P2) -> record ID
	reverse map[string]string // record ID -> session ref
	files   map[string]string // record ID -> staged file, for fuzzy matching
	counter int
}

// NewSession creates a new session tracker.
func NewSession() *Session {
	return &Session{
		records: make(map[string]string),
		reverse: make(map[string]string),
		files:   make(map[string]string),
	}
}

// Track adds a record to the session and returns its session reference.
// A record keeps its first reference for the life of the session.
func (s *Session) Track(r *StagingRecord) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ref, ok := s.reverse[r.ID]; ok {
		return ref
	}

	s.counter++
	ref := fmt.Sprintf("P%d", s.counter)
	s.records[ref] = r.ID
	s.reverse[r.ID] = ref
	s.files[r.ID] = r.StagedFile
	return ref
}

// Ref returns the session reference of a tracked record ID.
func (s *Session) Ref(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref, ok := s.reverse[id]
	return ref, ok
}

// Count returns the number of records tracked this session.
func (s *Session) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Clear resets the session tracking.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = make(map[string]string)
	s.reverse = make(map[string]string)
	s.files = make(map[string]string)
	s.counter = 0
}

// ResolveRef turns a session ref (P1, P2, case-insensitive) into a record
// ID. Anything else is returned unchanged and treated as a record ID.
func (s *Session) ResolveRef(ref string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref = strings.TrimSpace(ref)
	if id, ok := s.records[strings.ToUpper(ref)]; ok {
		return id
	}
	return ref
}

// Resolve is ResolveRef for an interactive operator. It also accepts a
// unique fragment of a tracked staged filename.
func (s *Session) Resolve(ref string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref = strings.TrimSpace(ref)
	if id, ok := s.records[strings.ToUpper(ref)]; ok {
		return id
	}
	if _, ok := s.reverse[ref]; ok {
		return ref
	}

	if ref != "" {
		lower := strings.ToLower(ref)
		var match string
		for id, file := range s.files {
			if strings.Contains(strings.ToLower(file), lower) {
				if match != "" {
					return ref // ambiguous
				}
				match = id
			}
		}
		if match != "" {
			return match
		}
	}
	return ref
}
