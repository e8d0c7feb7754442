package license

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// MinGuardSecretLen is the shortest HMAC secret a guard accepts.
const MinGuardSecretLen = 16

// Checkpoint is the decoded content of a rollback record file.
type Checkpoint struct {
	LastSeen int64
	MAC      string
}

// RollbackGuard keeps an HMAC-protected "last seen" timestamp on disk and
// refuses to move it backwards. It only detects rollback relative to the
// last checkpoint written on this machine: an attacker who deletes the file
// resets the baseline, and an attacker who knows the secret can forge it.
type RollbackGuard struct {
	path   string
	secret []byte
	lock   *semaphore.Weighted
	logger *slog.Logger

	lockTimeout time.Duration
	clock       func() int64
}

var (
	guardLocksMu sync.Mutex
	guardLocks   = map[string]*semaphore.Weighted{}
)

// pathLock returns the process-wide lock for a record path so that every
// guard on the same file shares one critical section.
func pathLock(path string) *semaphore.Weighted {
	key := filepath.Clean(path)
	if abs, err := filepath.Abs(key); err == nil {
		key = abs
	}

	guardLocksMu.Lock()
	defer guardLocksMu.Unlock()
	l, ok := guardLocks[key]
	if !ok {
		l = semaphore.NewWeighted(1)
		guardLocks[key] = l
	}
	return l
}

// NewRollbackGuard creates a guard for the record at path.
func NewRollbackGuard(path string, secret []byte, logger *slog.Logger) (*RollbackGuard, error) {
	if path == "" {
		return nil, errors.New("rollback record path is required")
	}
	if len(secret) < MinGuardSecretLen {
		return nil, fmt.Errorf("rollback secret must be at least %d bytes", MinGuardSecretLen)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RollbackGuard{
		path:   path,
		secret: append([]byte(nil), secret...),
		lock:   pathLock(path),
		logger: logger.With(slog.String("component", "rollback_guard")),
		clock:  func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// SetClock replaces the wall clock Check reads once it holds the record
// lock. The checkpoint advances to the later of that reading and the
// caller's now. A nil clock makes the caller's now authoritative.
func (g *RollbackGuard) SetClock(clock func() int64) { g.clock = clock }

// SetLockTimeout bounds how long Check waits for the record lock. Zero
// waits until the context ends.
func (g *RollbackGuard) SetLockTimeout(d time.Duration) { g.lockTimeout = d }

// Path returns the record file location.
func (g *RollbackGuard) Path() string { return g.path }

// Check runs the read, verify, compare and rewrite sequence as one critical
// section, held against other goroutines and against other processes using
// the same record. A missing record is a first run. The pass only succeeds
// once the new checkpoint is on disk.
func (g *RollbackGuard) Check(ctx context.Context, now int64) error {
	lockCtx := ctx
	if g.lockTimeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, g.lockTimeout)
		defer cancel()
	}
	if err := g.lock.Acquire(lockCtx, 1); err != nil {
		return newError(KindIO, "checkpoint lock", err)
	}
	defer g.lock.Release(1)

	unlock, err := g.lockFile(lockCtx)
	if err != nil {
		return newError(KindIO, "checkpoint lock", err)
	}
	defer unlock()

	// A caller that read its clock before queueing on the lock may hold an
	// older instant than the one the previous holder wrote.
	if g.clock != nil {
		if live := g.clock(); live > now {
			now = live
		}
	}

	prev, err := g.read()
	if err != nil {
		g.logger.WarnContext(ctx, "checkpoint rejected",
			slog.String("kind", KindOf(err).String()),
		)
		return err
	}
	if prev != nil && now < prev.LastSeen {
		g.logger.WarnContext(ctx, "clock rollback detected",
			slog.Int64("checkpoint", prev.LastSeen),
			slog.Int64("now", now),
		)
		return newError(KindClockRollback, "checkpoint", fmt.Errorf("now %d is before checkpoint %d", now, prev.LastSeen))
	}

	if err := ctx.Err(); err != nil {
		return newError(KindIO, "checkpoint write", err)
	}
	if err := g.write(now); err != nil {
		g.logger.ErrorContext(ctx, "checkpoint write failed", slog.String("error", err.Error()))
		return err
	}

	g.logger.DebugContext(ctx, "checkpoint advanced", slog.Int64("now", now))
	return nil
}

// Load returns the verified checkpoint without advancing it. It returns
// nil, nil when no record exists yet.
func (g *RollbackGuard) Load(ctx context.Context) (*Checkpoint, error) {
	if err := g.lock.Acquire(ctx, 1); err != nil {
		return nil, newError(KindIO, "checkpoint lock", err)
	}
	defer g.lock.Release(1)
	return g.read()
}

// LockPath returns the advisory lock file shared by every process that
// guards the same record.
func (g *RollbackGuard) LockPath() string { return g.path + ".lock" }

const fileLockPoll = 10 * time.Millisecond

// lockFile takes the cross-process lock, polling until it is free or ctx
// ends.
func (g *RollbackGuard) lockFile(ctx context.Context) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(g.path), 0o700); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(g.LockPath(), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(fileLockPoll)
	defer ticker.Stop()
	for {
		ok, err := tryLockFile(f)
		if err != nil {
			f.Close()
			return nil, err
		}
		if ok {
			return func() {
				unlockFile(f)
				f.Close()
			}, nil
		}
		select {
		case <-ctx.Done():
			f.Close()
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (g *RollbackGuard) read() (*Checkpoint, error) {
	data, err := os.ReadFile(g.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, newError(KindIO, "checkpoint read", err)
	}

	cp, err := ParseCheckpoint(string(data))
	if err != nil {
		return nil, err
	}
	if !hmac.Equal([]byte(cp.MAC), []byte(g.mac(strconv.FormatInt(cp.LastSeen, 10)))) {
		return nil, newError(KindRecordTampered, "checkpoint verify", nil)
	}
	return cp, nil
}

// ParseCheckpoint decodes "<epoch-millis>:<base64-hmac>". It does not check
// the MAC.
func ParseCheckpoint(content string) (*Checkpoint, error) {
	parts := strings.Split(strings.TrimSpace(content), ":")
	if len(parts) != 2 {
		return nil, newError(KindRecordCorrupt, "checkpoint parse", fmt.Errorf("expected 2 fields, got %d", len(parts)))
	}
	ts, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, newError(KindRecordCorrupt, "checkpoint parse", err)
	}
	// A timestamp that does not round-trip would be MACed in a different form.
	if strconv.FormatInt(ts, 10) != parts[0] {
		return nil, newError(KindRecordCorrupt, "checkpoint parse", fmt.Errorf("non-canonical timestamp %q", parts[0]))
	}
	return &Checkpoint{LastSeen: ts, MAC: parts[1]}, nil
}

func (g *RollbackGuard) mac(timestamp string) string {
	h := hmac.New(sha256.New, g.secret)
	h.Write([]byte(timestamp))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// FormatCheckpoint renders a checkpoint line for now under the guard's secret.
func (g *RollbackGuard) FormatCheckpoint(now int64) string {
	ts := strconv.FormatInt(now, 10)
	return ts + ":" + g.mac(ts)
}

func (g *RollbackGuard) write(now int64) error {
	dir := filepath.Dir(g.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return newError(KindIO, "checkpoint write", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(g.path)+".*")
	if err != nil {
		return newError(KindIO, "checkpoint write", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(g.FormatCheckpoint(now)); err != nil {
		tmp.Close()
		return newError(KindIO, "checkpoint write", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return newError(KindIO, "checkpoint write", err)
	}
	if err := tmp.Close(); err != nil {
		return newError(KindIO, "checkpoint write", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return newError(KindIO, "checkpoint write", err)
	}
	if err := os.Rename(tmpName, g.path); err != nil {
		return newError(KindIO, "checkpoint write", err)
	}
	return nil
}
