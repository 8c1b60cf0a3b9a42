package order

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"risk-engine/pkg/db"
	"risk-engine/pkg/logger"
)

// TransitionStore is the primary transition store.
type TransitionStore interface {
	RecordTransition(ctx context.Context, p db.Position, from, detail string) error
}

// Journal is an append-only JSON-lines log of transitions that could not reach the
// database. Entries are fsynced before Append returns and replayed at startup.
type Journal struct {
	path    string
	mu      sync.Mutex
	file    *os.File
	pending atomic.Int64
}

type journalEntry struct {
	Position db.Position `json:"position"`
	From     string      `json:"from"`
	Detail   string      `json:"detail"`
	At       time.Time   `json:"at"`
}

// OpenJournal opens or creates the journal file.
func OpenJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	j := &Journal{path: path, file: f}
	n, err := j.count()
	if err != nil {
		f.Close()
		return nil, err
	}
	j.pending.Store(int64(n))
	return j, nil
}

// Append writes one transition durably.
func (j *Journal) Append(p db.Position, from, detail string) error {
	data, err := json.Marshal(journalEntry{Position: p, From: from, Detail: detail, At: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("journal marshal: %w", err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("journal write: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("journal sync: %w", err)
	}
	j.pending.Add(1)
	return nil
}

// Pending is the number of entries not yet replayed.
func (j *Journal) Pending() int { return int(j.pending.Load()) }

// Replay applies journaled transitions to store in order and truncates the journal
// when every entry was applied. On the first failure the journal is left intact.
func (j *Journal) Replay(ctx context.Context, store TransitionStore) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	entries, err := j.read()
	if err != nil {
		return 0, err
	}
	for i, e := range entries {
		if err := store.RecordTransition(ctx, e.Position, e.From, e.Detail); err != nil {
			return i, fmt.Errorf("replay entry %d: %w", i, err)
		}
	}
	if len(entries) == 0 {
		return 0, nil
	}
	if err := j.file.Truncate(0); err != nil {
		return len(entries), fmt.Errorf("truncate journal: %w", err)
	}
	j.pending.Store(0)
	logger.Info("journal replayed", zap.Int("entries", len(entries)), zap.String("path", j.path))
	return len(entries), nil
}

// Close closes the file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}

func (j *Journal) count() (int, error) {
	entries, err := j.read()
	return len(entries), err
}

func (j *Journal) read() ([]journalEntry, error) {
	f, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open journal for replay: %w", err)
	}
	defer f.Close()

	var out []journalEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e journalEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			// A torn final line from a crash mid-write.
			logger.Warn("journal parse error (skipping)", zap.Error(err))
			continue
		}
		out = append(out, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("journal scan: %w", err)
	}
	return out, nil
}
