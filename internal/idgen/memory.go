package idgen

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MemorySequence keeps its counters in process memory. It suits the offline
// CLI and single-node servers. Counters are lost on exit, so callers seed
// them from previously written license files with SeedFromDir.
type MemorySequence struct {
	mu       sync.Mutex
	counters map[string]int64
	now      func() time.Time
}

// NewMemorySequence returns an empty in-memory sequence.
func NewMemorySequence() *MemorySequence {
	return &MemorySequence{
		counters: make(map[string]int64),
		now:      time.Now,
	}
}

// Next returns the next identifier for projectID and customer.
func (s *MemorySequence) Next(ctx context.Context, projectID, customer string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	project, cust, month := ShortCode(projectID), ShortCode(customer), period(s.now())
	key := counterKey(DefaultPrefix, project, cust, month)

	s.mu.Lock()
	s.counters[key]++
	seq := s.counters[key]
	s.mu.Unlock()

	return formatID(project, cust, month, seq), nil
}

// SeedFromDir raises the counters above every license file already in dir,
// so that a new run does not reuse the names of earlier ones. Files that do
// not look like PROJ-CUST-YYYYMM-NNN.lic are ignored, as is a missing dir.
func (s *MemorySequence) SeedFromDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), ".lic")
		if !ok || e.IsDir() {
			continue
		}
		parts := strings.Split(name, "-")
		if len(parts) != 4 || len(parts[2]) != 6 {
			continue
		}
		seq, err := strconv.ParseInt(parts[3], 10, 64)
		if err != nil || seq <= 0 {
			continue
		}
		key := counterKey(DefaultPrefix, parts[0], parts[1], parts[2])
		if seq > s.counters[key] {
			s.counters[key] = seq
		}
	}
	return nil
}
