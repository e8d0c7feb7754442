package ledger

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"licenseplatform/internal/license"
)

type LedgerTestSuite struct {
	suite.Suite
	store *Store
	ctx   context.Context
}

func (s *LedgerTestSuite) SetupTest() {
	store, err := Open(filepath.Join(s.T().TempDir(), "data", "ledger.db"), nil)
	s.Require().NoError(err)
	s.store = store
	s.ctx = context.Background()
}

func (s *LedgerTestSuite) TearDownTest() {
	s.NoError(s.store.Close())
}

func (s *LedgerTestSuite) TestRecordIssued() {
	rec := &license.Record{
		LicenseID:     "PROJ-ACME-202401-001",
		ProjectID:     "proj",
		Customer:      "Acme",
		IssueDate:     1_700_000_000_000,
		ExpireDate:    1_800_000_000_000,
		BoundMachines: []license.Machine{{MacAddress: "AA"}, {MacAddress: "BB"}},
		Mode:          license.ModeCluster,
	}
	s.Require().NoError(s.store.RecordIssued(s.ctx, rec, "/out/PROJ-ACME-202401-001.lic"))

	row, err := s.store.Issued(s.ctx, rec.LicenseID)
	s.Require().NoError(err)
	s.Equal("proj", row.ProjectID)
	s.Equal("cluster", row.Mode)
	s.Equal(2, row.Machines)
	s.Equal(int64(1_800_000_000_000), row.ExpireAt.UnixMilli())

	s.Error(s.store.RecordIssued(s.ctx, rec, "dup"), "license ids are unique")

	_, err = s.store.Issued(s.ctx, "missing")
	s.ErrorIs(err, ErrNotFound)
}

func (s *LedgerTestSuite) TestRecentUsageOrderAndLimit() {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		s.Require().NoError(s.store.RecordUsage(s.ctx, &UsageEvent{
			LicenseID: "L1",
			Action:    "verify",
			Valid:     i%2 == 0,
			Code:      i,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	s.Require().NoError(s.store.RecordUsage(s.ctx, &UsageEvent{LicenseID: "L2", Action: "verify"}))

	events, err := s.store.RecentUsage(s.ctx, "L1", 3)
	s.Require().NoError(err)
	s.Require().Len(events, 3)
	for i, want := range []int{4, 3, 2} {
		s.Equal(want, events[i].Code, fmt.Sprintf("event %d", i))
	}

	all, err := s.store.RecentUsage(s.ctx, "L1", 0)
	s.Require().NoError(err)
	s.Len(all, 5)

	none, err := s.store.RecentUsage(s.ctx, "nobody", 10)
	s.Require().NoError(err)
	s.Empty(none)
}

func (s *LedgerTestSuite) TestUsageFromOutcome() {
	out := license.Outcome{
		Kind:      license.KindExpired,
		Stage:     license.StageTemporal,
		LicenseID: "L9",
		CheckedAt: 2500,
	}
	ev := UsageFromOutcome("verify", out, "10.0.0.1:5555", "curl/8")
	s.False(ev.Valid)
	s.Equal(4004, ev.Code)
	s.Equal("EXPIRED", ev.Kind)
	s.Equal(int64(2500), ev.CreatedAt.UnixMilli())

	s.Require().NoError(s.store.RecordUsage(s.ctx, ev))
	s.NotZero(ev.ID)

	noTime := UsageFromOutcome("gate", license.Outcome{}, "", "")
	s.True(noTime.Valid)
	s.Require().NoError(s.store.RecordUsage(s.ctx, noTime))
	s.WithinDuration(time.Now(), noTime.CreatedAt, time.Minute)
}

func TestLedgerSuite(t *testing.T) {
	suite.Run(t, new(LedgerTestSuite))
}
