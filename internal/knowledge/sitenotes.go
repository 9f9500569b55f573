package knowledge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"scout/internal/logging"
)

// SiteNote is freeform operational knowledge about one domain: selector
// hints, quirks, timing observations. Notes accumulate; LastConfirmed marks
// the most recent run that found them still accurate.
type SiteNote struct {
	Domain        string    `json:"domain"`
	Notes         []string  `json:"notes"`
	LastConfirmed time.Time `json:"last_confirmed"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// SiteNotes is the shared per-domain note store, one JSON file.
type SiteNotes struct {
	path string

	mu    sync.Mutex
	notes map[string]*SiteNote
}

// OpenSiteNotes loads the store at path.
func OpenSiteNotes(path string) (*SiteNotes, error) {
	s := &SiteNotes{path: path, notes: make(map[string]*SiteNote)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("opening site notes: %w", err)
	}
	if err := json.Unmarshal(data, &s.notes); err != nil {
		return nil, fmt.Errorf("parsing site notes: %w", err)
	}
	return s, nil
}

// Add appends a note for domain, deduplicating identical text.
func (s *SiteNotes) Add(domain, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notes[domain]
	if !ok {
		n = &SiteNote{Domain: domain}
		s.notes[domain] = n
	}
	for _, existing := range n.Notes {
		if existing == note {
			n.LastConfirmed = time.Now()
			n.UpdatedAt = time.Now()
			return s.saveLocked()
		}
	}
	n.Notes = append(n.Notes, note)
	n.LastConfirmed = time.Now()
	n.UpdatedAt = time.Now()
	logging.KnowledgeDebug("Site note added for %s: %s", domain, note)
	return s.saveLocked()
}

// Confirm marks a domain's notes as still accurate.
func (s *SiteNotes) Confirm(domain string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notes[domain]
	if !ok {
		return nil
	}
	n.LastConfirmed = time.Now()
	return s.saveLocked()
}

// Get returns a copy of the notes for domain.
func (s *SiteNotes) Get(domain string) (*SiteNote, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notes[domain]
	if !ok {
		return nil, false
	}
	cp := *n
	cp.Notes = append([]string(nil), n.Notes...)
	return &cp, true
}

func (s *SiteNotes) saveLocked() error {
	data, err := json.MarshalIndent(s.notes, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling site notes: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("creating site notes dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing site notes: %w", err)
	}
	return os.Rename(tmp, s.path)
}
