package server

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/CK6170/spectro-go/models"
)

// maxRecords bounds the in-memory reading history.
const maxRecords = 256

type ReadingRecord struct {
	ID       string
	Time     time.Time
	Mode     models.Mode
	Readings []models.Reading
}

// ReadingStore keeps the most recent measurements so clients can list and
// download them.
type ReadingStore struct {
	mu sync.RWMutex
	m  map[string]*ReadingRecord
}

func NewReadingStore() *ReadingStore {
	return &ReadingStore{m: make(map[string]*ReadingRecord)}
}

func (s *ReadingStore) Put(mode models.Mode, readings []models.Reading) (*ReadingRecord, error) {
	id, err := newID()
	if err != nil {
		return nil, err
	}
	rec := &ReadingRecord{ID: id, Time: time.Now(), Mode: mode, Readings: readings}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.m) >= maxRecords {
		var oldest *ReadingRecord
		for _, r := range s.m {
			if oldest == nil || r.Time.Before(oldest.Time) {
				oldest = r
			}
		}
		delete(s.m, oldest.ID)
	}
	s.m[id] = rec
	return rec, nil
}

func (s *ReadingStore) Get(id string) (*ReadingRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.m[id]
	return r, ok
}

// List returns the stored records, oldest first.
func (s *ReadingStore) List() []*ReadingRecord {
	s.mu.RLock()
	out := make([]*ReadingRecord, 0, len(s.m))
	for _, r := range s.m {
		out = append(out, r)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out
}

func newID() (string, error) {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("rand: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}
