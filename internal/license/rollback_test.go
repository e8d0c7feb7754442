package license

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"golang.org/x/sync/errgroup"
)

type RollbackGuardTestSuite struct {
	suite.Suite
	path  string
	guard *RollbackGuard
	ctx   context.Context
}

func (s *RollbackGuardTestSuite) SetupTest() {
	s.path = filepath.Join(s.T().TempDir(), "state", "checkpoint.dat")
	var err error
	s.guard, err = NewRollbackGuard(s.path, testSecret, discardLogger())
	s.Require().NoError(err)
	s.guard.SetClock(nil)
	s.ctx = context.Background()
}

func (s *RollbackGuardTestSuite) content() string {
	data, err := os.ReadFile(s.path)
	s.Require().NoError(err)
	return string(data)
}

func (s *RollbackGuardTestSuite) TestFirstRunCreatesCheckpoint() {
	_, err := os.Stat(s.path)
	s.Require().True(os.IsNotExist(err))

	s.Require().NoError(s.guard.Check(s.ctx, 1000))
	s.Equal(s.guard.FormatCheckpoint(1000), s.content())

	info, err := os.Stat(s.path)
	s.Require().NoError(err)
	s.Equal(os.FileMode(0o600), info.Mode().Perm())
}

func (s *RollbackGuardTestSuite) TestSequence() {
	s.Require().NoError(s.guard.Check(s.ctx, 1000))

	err := s.guard.Check(s.ctx, 999)
	s.ErrorIs(err, ErrClockRollback)
	s.Equal(s.guard.FormatCheckpoint(1000), s.content(), "failed check must not rewrite")

	s.Require().NoError(s.guard.Check(s.ctx, 1001))
	s.True(strings.HasPrefix(s.content(), "1001:"))

	s.Require().NoError(s.guard.Check(s.ctx, 1001), "equal time is not a rollback")

	cp, err := s.guard.Load(s.ctx)
	s.Require().NoError(err)
	s.Equal(int64(1001), cp.LastSeen)
}

func (s *RollbackGuardTestSuite) TestTamperedMAC() {
	s.Require().NoError(s.guard.Check(s.ctx, 1000))

	content := s.content()
	idx := strings.Index(content, ":") + 1
	b := []byte(content)
	if b[idx] == 'A' {
		b[idx] = 'B'
	} else {
		b[idx] = 'A'
	}
	s.Require().NoError(os.WriteFile(s.path, b, 0o600))

	s.ErrorIs(s.guard.Check(s.ctx, 1500), ErrRecordTampered)
}

func (s *RollbackGuardTestSuite) TestTimestampEditedWithoutMAC() {
	s.Require().NoError(s.guard.Check(s.ctx, 5000))

	mac := strings.SplitN(s.content(), ":", 2)[1]
	s.Require().NoError(os.WriteFile(s.path, []byte("100:"+mac), 0o600))

	s.ErrorIs(s.guard.Check(s.ctx, 200), ErrRecordTampered)
}

func (s *RollbackGuardTestSuite) TestForeignSecret() {
	other, err := NewRollbackGuard(s.path, []byte("another-secret-of-length"), discardLogger())
	s.Require().NoError(err)
	s.Require().NoError(other.Check(s.ctx, 1000))

	s.ErrorIs(s.guard.Check(s.ctx, 2000), ErrRecordTampered)
}

func (s *RollbackGuardTestSuite) TestCorruptContent() {
	tests := []string{
		"",
		"1000",
		"1000:abc:def",
		"abc:def",
		"+1000:def",
		"01000:def",
		"1.5:def",
	}
	for _, content := range tests {
		s.Run(content, func() {
			s.Require().NoError(os.MkdirAll(filepath.Dir(s.path), 0o700))
			s.Require().NoError(os.WriteFile(s.path, []byte(content), 0o600))
			s.ErrorIs(s.guard.Check(s.ctx, 1000), ErrRecordCorrupt)
		})
	}
}

func (s *RollbackGuardTestSuite) TestSurroundingWhitespaceAccepted() {
	s.Require().NoError(os.MkdirAll(filepath.Dir(s.path), 0o700))
	s.Require().NoError(os.WriteFile(s.path, []byte("  "+s.guard.FormatCheckpoint(1000)+"\n"), 0o600))
	s.NoError(s.guard.Check(s.ctx, 1000))
}

func (s *RollbackGuardTestSuite) TestUnreadableRecordIsIOFailure() {
	s.Require().NoError(os.MkdirAll(s.path, 0o700))
	s.ErrorIs(s.guard.Check(s.ctx, 1000), ErrIO)
}

func (s *RollbackGuardTestSuite) TestCancelledContext() {
	s.Require().NoError(s.guard.lock.Acquire(s.ctx, 1))
	defer s.guard.lock.Release(1)

	ctx, cancel := context.WithTimeout(s.ctx, 20*time.Millisecond)
	defer cancel()
	s.ErrorIs(s.guard.Check(ctx, 1000), ErrIO)
}

func (s *RollbackGuardTestSuite) TestLockTimeout() {
	s.Require().NoError(s.guard.lock.Acquire(s.ctx, 1))
	defer s.guard.lock.Release(1)

	s.guard.SetLockTimeout(20 * time.Millisecond)
	start := time.Now()
	s.ErrorIs(s.guard.Check(s.ctx, 1000), ErrIO)
	s.Less(time.Since(start), time.Second)
}

func (s *RollbackGuardTestSuite) TestGuardsShareLockPerPath() {
	other, err := NewRollbackGuard(s.path, testSecret, nil)
	s.Require().NoError(err)
	s.Same(s.guard.lock, other.lock)
}

func (s *RollbackGuardTestSuite) TestConcurrentChecksNeverRegress() {
	s.guard.SetClock(func() int64 { return time.Now().UnixMilli() })

	var (
		g      errgroup.Group
		mu     sync.Mutex
		latest int64
	)
	for i := 0; i < 200; i++ {
		g.Go(func() error {
			now := time.Now().UnixMilli()
			mu.Lock()
			if now > latest {
				latest = now
			}
			mu.Unlock()
			return s.guard.Check(s.ctx, now)
		})
	}
	s.Require().NoError(g.Wait(), "the clock only moved forward")

	cp, err := s.guard.Load(s.ctx)
	s.Require().NoError(err)
	s.GreaterOrEqual(cp.LastSeen, latest)
}

func (s *RollbackGuardTestSuite) TestStaleCallerInstantAdvancesToLiveClock() {
	live := int64(5000)
	s.guard.SetClock(func() int64 { return live })
	s.Require().NoError(s.guard.Check(s.ctx, 4000))

	s.Require().NoError(s.guard.Check(s.ctx, 1000), "caller read its clock before queueing")
	s.Equal(s.guard.FormatCheckpoint(5000), s.content())

	live = 4500
	s.ErrorIs(s.guard.Check(s.ctx, 4500), ErrClockRollback, "a live clock behind the checkpoint is a rollback")
}

func (s *RollbackGuardTestSuite) TestWriteFailureIsNotAPass() {
	if os.Geteuid() == 0 {
		s.T().Skip("root ignores directory permissions")
	}
	s.Require().NoError(s.guard.Check(s.ctx, 1000))

	dir := filepath.Dir(s.path)
	s.Require().NoError(os.Chmod(dir, 0o500))
	s.T().Cleanup(func() { os.Chmod(dir, 0o700) })

	s.ErrorIs(s.guard.Check(s.ctx, 2000), ErrIO)
	s.Equal(s.guard.FormatCheckpoint(1000), s.content())
}

func (s *RollbackGuardTestSuite) TestLockFileCreatedBesideRecord() {
	s.Require().NoError(s.guard.Check(s.ctx, 1000))
	info, err := os.Stat(s.guard.LockPath())
	s.Require().NoError(err)
	s.Equal(os.FileMode(0o600), info.Mode().Perm())
}

func TestRollbackGuardSuite(t *testing.T) {
	suite.Run(t, new(RollbackGuardTestSuite))
}

func TestNewRollbackGuardValidation(t *testing.T) {
	_, err := NewRollbackGuard("", testSecret, nil)
	assert.Error(t, err)

	_, err = NewRollbackGuard(filepath.Join(t.TempDir(), "x"), []byte("short"), nil)
	assert.Error(t, err)
}

func TestParseCheckpoint(t *testing.T) {
	cp, err := ParseCheckpoint("1700000000000:bWFj\n")
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000000), cp.LastSeen)
	assert.Equal(t, "bWFj", cp.MAC)
}
