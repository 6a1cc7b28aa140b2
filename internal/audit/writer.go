package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tkingovr/txguard/api"
)

const defaultMaxMemory = 10000

// JSONLStore is an append-only JSONL file store with date-based rotation and
// a bounded in-memory index.
type JSONLStore struct {
	mu          sync.Mutex
	dir         string
	currentDate string
	file        *os.File
	writer      *bufio.Writer

	// In-memory index for Get, Query and Stats (bounded, oldest evicted)
	byDigest map[string]*api.AttestationRecord
	order    []string
	maxMem   int

	// Subscribers for real-time streaming
	subMu   sync.RWMutex
	subs    map[int]chan *api.AttestationRecord
	nextSub int
}

// NewJSONLStore creates a JSONL store in dir and replays the files already
// there into the index.
func NewJSONLStore(dir string, maxMem int) (*JSONLStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("audit: no record directory configured")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("audit: creating record directory: %w", err)
	}
	if maxMem <= 0 {
		maxMem = defaultMaxMemory
	}
	s := &JSONLStore{
		dir:      dir,
		maxMem:   maxMem,
		byDigest: make(map[string]*api.AttestationRecord),
		subs:     make(map[int]chan *api.AttestationRecord),
	}
	if err := s.replay(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *JSONLStore) replay() error {
	files, err := filepath.Glob(filepath.Join(s.dir, "*.jsonl"))
	if err != nil {
		return fmt.Errorf("audit: listing record files: %w", err)
	}
	sort.Strings(files)
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("audit: reading %s: %w", path, err)
		}
		for n, line := range bytes.Split(data, []byte{'\n'}) {
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			var rec api.AttestationRecord
			if err := json.Unmarshal(line, &rec); err != nil {
				return fmt.Errorf("audit: %s line %d: %w", filepath.Base(path), n+1, err)
			}
			s.index(&rec)
		}
	}
	return nil
}

func (s *JSONLStore) Put(_ context.Context, record *api.AttestationRecord) error {
	if record.Digest == "" {
		return fmt.Errorf("audit: record has no digest")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byDigest[record.Digest]; ok {
		return nil
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	// Rotate file if date changed
	dateStr := record.CreatedAt.UTC().Format("2006-01-02")
	if dateStr != s.currentDate {
		if err := s.rotate(dateStr); err != nil {
			return err
		}
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("audit: marshaling record: %w", err)
	}
	if _, err := s.writer.Write(data); err != nil {
		return fmt.Errorf("audit: writing record: %w", err)
	}
	if err := s.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("audit: writing record: %w", err)
	}
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("audit: flushing record: %w", err)
	}

	s.index(record)
	s.notifySubscribers(record)
	return nil
}

// index must be called with mu held (or before the store is shared).
func (s *JSONLStore) index(record *api.AttestationRecord) {
	if _, ok := s.byDigest[record.Digest]; ok {
		return
	}
	if len(s.order) >= s.maxMem {
		delete(s.byDigest, s.order[0])
		s.order = s.order[1:]
	}
	s.byDigest[record.Digest] = record
	s.order = append(s.order, record.Digest)
}

func (s *JSONLStore) Get(_ context.Context, digest string) (*api.AttestationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.byDigest[strings.ToLower(digest)]; ok {
		return r, nil
	}
	return nil, ErrNotFound
}

func (s *JSONLStore) Query(_ context.Context, filter api.QueryFilter) ([]*api.AttestationRecord, error) {
	s.mu.Lock()
	var results []*api.AttestationRecord
	for _, d := range s.order {
		if r := s.byDigest[d]; filter.Matches(r) {
			results = append(results, r)
		}
	}
	s.mu.Unlock()

	newestFirst(results)
	return page(results, filter), nil
}

func (s *JSONLStore) Stats(_ context.Context) (*api.AuditStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := newStats()
	for _, d := range s.order {
		accumulate(stats, s.byDigest[d])
	}
	return stats, nil
}

func (s *JSONLStore) Subscribe(_ context.Context) (<-chan *api.AttestationRecord, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	ch := make(chan *api.AttestationRecord, 100)
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()
			delete(s.subs, id)
			close(ch)
		})
	}

	return ch, cancel
}

func (s *JSONLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writer != nil {
		if err := s.writer.Flush(); err != nil {
			return err
		}
	}
	if s.file != nil {
		err := s.file.Close()
		s.file, s.writer, s.currentDate = nil, nil, ""
		return err
	}
	return nil
}

func (s *JSONLStore) rotate(dateStr string) error {
	if s.writer != nil {
		if err := s.writer.Flush(); err != nil {
			return err
		}
	}
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			return err
		}
	}

	path := filepath.Join(s.dir, dateStr+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("audit: opening record file: %w", err)
	}

	s.file = f
	s.writer = bufio.NewWriter(f)
	s.currentDate = dateStr
	return nil
}

func (s *JSONLStore) notifySubscribers(record *api.AttestationRecord) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()

	for _, ch := range s.subs {
		select {
		case ch <- record:
		default:
			// Drop if subscriber is slow
		}
	}
}
