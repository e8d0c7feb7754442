package http

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	apierrors "licenseplatform/internal/errors"
	"licenseplatform/internal/idgen"
	"licenseplatform/internal/ledger"
	"licenseplatform/internal/license"
	customMiddleware "licenseplatform/internal/middleware"
)

var (
	hostA = license.Machine{MacAddress: "AA:BB:CC:DD:EE:01", CPUSerial: "CPU-A", MainBoardSerial: "MB-A"}
	hostB = license.Machine{MacAddress: "AA:BB:CC:DD:EE:02", CPUSerial: "CPU-B", MainBoardSerial: "MB-B"}
)

type fixedProbe struct{ m license.Machine }

func (p fixedProbe) Current() license.Machine { return p.m }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type LicenseHandlerTestSuite struct {
	suite.Suite
	key     *rsa.PrivateKey
	dir     string
	store   *ledger.Store
	issuer  *license.Issuer
	handler *LicenseHandler
	router  chi.Router
	now     time.Time
}

func (s *LicenseHandlerTestSuite) SetupSuite() {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	s.Require().NoError(err)
	s.key = key
}

func (s *LicenseHandlerTestSuite) SetupTest() {
	s.dir = s.T().TempDir()
	s.now = time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC)

	store, err := ledger.Open(filepath.Join(s.dir, "ledger.db"), quietLogger())
	s.Require().NoError(err)
	s.store = store

	guard, err := license.NewRollbackGuard(filepath.Join(s.dir, "checkpoint.dat"), []byte("0123456789abcdef-http"), quietLogger())
	s.Require().NoError(err)
	guard.SetClock(func() int64 { return s.now.UnixMilli() })
	validator, err := license.NewValidator(&s.key.PublicKey, guard, license.WithLogger(quietLogger()))
	s.Require().NoError(err)

	s.issuer = license.NewIssuer(idgen.NewMemorySequence(), s.key, quietLogger())
	s.handler = NewLicenseHandler(LicenseHandlerConfig{
		Issuer:    s.issuer,
		Verifier:  validator,
		Probe:     fixedProbe{hostA},
		Ledger:    s.store,
		OutputDir: filepath.Join(s.dir, "issued"),
	}, quietLogger())
	s.handler.now = func() time.Time { return s.now }

	r := chi.NewRouter()
	r.Use(customMiddleware.RequestID)
	r.Mount("/api/license", s.handler.Routes())
	s.router = r
}

func (s *LicenseHandlerTestSuite) TearDownTest() {
	s.NoError(s.store.Close())
}

func (s *LicenseHandlerTestSuite) issueRequest() map[string]interface{} {
	issued := s.now.Add(-24 * time.Hour).UnixMilli()
	return map[string]interface{}{
		"projectId":     "proj",
		"customer":      "Acme",
		"issueDate":     issued,
		"expireDate":    s.now.Add(30 * 24 * time.Hour).UnixMilli(),
		"firstUsedAt":   issued,
		"features":      map[string]bool{"export": true},
		"boundMachines": []license.Machine{hostA},
		"mode":          "standalone",
	}
}

func (s *LicenseHandlerTestSuite) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		s.Require().NoError(err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *LicenseHandlerTestSuite) decode(w *httptest.ResponseRecorder, v interface{}) {
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func (s *LicenseHandlerTestSuite) issue() *license.Record {
	w := s.do(http.MethodPost, "/api/license/issue", s.issueRequest())
	s.Require().Equal(http.StatusCreated, w.Code, w.Body.String())
	var resp IssueResponse
	s.decode(w, &resp)
	return resp.License
}

func (s *LicenseHandlerTestSuite) TestIssueWritesFileAndLedger() {
	w := s.do(http.MethodPost, "/api/license/issue", s.issueRequest())
	s.Require().Equal(http.StatusCreated, w.Code, w.Body.String())

	var resp IssueResponse
	s.decode(w, &resp)
	s.Regexp(regexp.MustCompile(`^PROJ-ACME-\d{6}-001$`), resp.License.LicenseID)
	s.NotEmpty(resp.License.Signature)
	s.NotEmpty(resp.TraceID)
	s.Equal(filepath.Join(s.dir, "issued", resp.License.LicenseID+".lic"), resp.FilePath)

	onDisk, err := license.LoadRecord(resp.FilePath)
	s.Require().NoError(err)
	s.Equal(resp.License.Signature, onDisk.Signature)
	s.NoError(license.VerifyRecord(onDisk, &s.key.PublicKey))

	row, err := s.store.Issued(context.Background(), resp.License.LicenseID)
	s.Require().NoError(err)
	s.Equal("proj", row.ProjectID)
	s.Equal(1, row.Machines)
}

func (s *LicenseHandlerTestSuite) TestIssueSequenceIncrements() {
	first := s.issue()
	second := s.issue()
	s.NotEqual(first.LicenseID, second.LicenseID)
	s.Regexp(`-002$`, second.LicenseID)
}

func (s *LicenseHandlerTestSuite) TestIssueRejectsInvalidRequest() {
	tests := []struct {
		name   string
		mutate func(map[string]interface{})
		status int
		typ    string
	}{
		{"missing customer", func(m map[string]interface{}) { delete(m, "customer") }, http.StatusBadRequest, apierrors.TypeValidation},
		{"expire before issue", func(m map[string]interface{}) { m["expireDate"] = 1 }, http.StatusBadRequest, apierrors.TypeValidation},
		{"no machines", func(m map[string]interface{}) { m["boundMachines"] = []license.Machine{} }, http.StatusBadRequest, apierrors.TypeValidation},
		{"unknown mode", func(m map[string]interface{}) { m["mode"] = "floating" }, http.StatusBadRequest, apierrors.TypeValidation},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			req := s.issueRequest()
			tt.mutate(req)
			w := s.do(http.MethodPost, "/api/license/issue", req)
			s.Equal(tt.status, w.Code, w.Body.String())

			var problem map[string]interface{}
			s.decode(w, &problem)
			s.Equal(tt.typ, problem["type"])
			s.NotEmpty(problem["trace_id"])
		})
	}

	s.Run("malformed json", func() {
		w := s.do(http.MethodPost, "/api/license/issue", []byte(`{"projectId":`))
		s.Equal(http.StatusBadRequest, w.Code)
	})

	s.Run("wrong content type", func() {
		req := httptest.NewRequest(http.MethodPost, "/api/license/issue", bytes.NewReader([]byte("{}")))
		req.Header.Set("Content-Type", "text/plain")
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)
		s.Equal(http.StatusUnsupportedMediaType, w.Code)
	})
}

func (s *LicenseHandlerTestSuite) TestIssueWithoutSigner() {
	s.handler.issuer = nil
	w := s.do(http.MethodPost, "/api/license/issue", s.issueRequest())
	s.Equal(http.StatusServiceUnavailable, w.Code)
}

func (s *LicenseHandlerTestSuite) TestVerify() {
	rec := s.issue()

	tamperedFeatures := rec.Clone()
	tamperedFeatures.Features["admin"] = true

	otherHost := s.issueRequest()
	otherHost["boundMachines"] = []license.Machine{hostB}
	w := s.do(http.MethodPost, "/api/license/issue", otherHost)
	s.Require().Equal(http.StatusCreated, w.Code)
	var foreign IssueResponse
	s.decode(w, &foreign)

	tests := []struct {
		name  string
		rec   *license.Record
		valid bool
		code  int
		kind  string
	}{
		{"valid", rec, true, 0, "NONE"},
		{"tampered", tamperedFeatures, false, 4002, "SIGNATURE_INVALID"},
		{"other machine", foreign.License, false, 4005, "HARDWARE_MISMATCH"},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			data, err := license.MarshalFile(tt.rec)
			s.Require().NoError(err)
			w := s.do(http.MethodPost, "/api/license/verify", data)
			s.Require().Equal(http.StatusOK, w.Code, w.Body.String())

			var resp VerifyResponse
			s.decode(w, &resp)
			s.Equal(tt.valid, resp.Valid)
			s.Equal(tt.code, resp.Code)
			s.Equal(tt.kind, resp.Kind)
			s.NotEmpty(resp.Message)
			s.Equal(s.now.UnixMilli(), resp.CheckedAt)
			if tt.valid {
				s.Nil(resp.Error)
			} else {
				s.Require().NotNil(resp.Error)
				s.Equal(tt.code, resp.Error.AppCode)
				s.Equal("Forbidden", resp.Error.StatusText)
			}
		})
	}

	events, err := s.store.RecentUsage(context.Background(), rec.LicenseID, 10)
	s.Require().NoError(err)
	s.Require().Len(events, 2)
	s.Equal("verify", events[0].Action)
}

func (s *LicenseHandlerTestSuite) TestVerifyExpired() {
	rec := s.issue()
	data, err := license.MarshalFile(rec)
	s.Require().NoError(err)

	s.now = s.now.Add(60 * 24 * time.Hour)
	w := s.do(http.MethodPost, "/api/license/verify", data)
	var resp VerifyResponse
	s.decode(w, &resp)
	s.False(resp.Valid)
	s.Equal(license.KindExpired.Code(), resp.Code)
	s.Equal("License has expired", resp.Message)
}

func (s *LicenseHandlerTestSuite) TestVerifyMalformedLicense() {
	w := s.do(http.MethodPost, "/api/license/verify", []byte(`{"licenseId": 7}`))
	s.Require().Equal(http.StatusOK, w.Code)

	var resp VerifyResponse
	s.decode(w, &resp)
	s.False(resp.Valid)
	s.Equal(license.KindEncoding.Code(), resp.Code)
	s.Empty(resp.LicenseID)
	s.NotContains(w.Body.String(), "json:")
}

func (s *LicenseHandlerTestSuite) TestUsage() {
	rec := s.issue()
	data, err := license.MarshalFile(rec)
	s.Require().NoError(err)
	for i := 0; i < 3; i++ {
		s.Require().Equal(http.StatusOK, s.do(http.MethodPost, "/api/license/verify", data).Code)
	}

	w := s.do(http.MethodGet, "/api/license/usage/"+rec.LicenseID+"?limit=2", nil)
	s.Require().Equal(http.StatusOK, w.Code)
	var resp UsageResponse
	s.decode(w, &resp)
	s.Equal(rec.LicenseID, resp.LicenseID)
	s.Equal(2, resp.Count)
	s.Len(resp.Events, 2)

	w = s.do(http.MethodGet, "/api/license/usage/UNKNOWN", nil)
	s.Require().Equal(http.StatusOK, w.Code)
	s.decode(w, &resp)
	s.Equal(0, resp.Count)
	s.NotNil(resp.Events)

	w = s.do(http.MethodGet, "/api/license/usage/"+rec.LicenseID+"?limit=0", nil)
	s.Equal(http.StatusBadRequest, w.Code)
}

func (s *LicenseHandlerTestSuite) TestUsageWithoutLedger() {
	s.handler.ledger = nil
	w := s.do(http.MethodGet, "/api/license/usage/X", nil)
	s.Equal(http.StatusServiceUnavailable, w.Code)
}

func TestLicenseHandlerSuite(t *testing.T) {
	suite.Run(t, new(LicenseHandlerTestSuite))
}

func TestMachineInfo(t *testing.T) {
	h := NewMachineHandler(fixedProbe{hostA}, quietLogger())
	w := httptest.NewRecorder()
	h.Info(w, httptest.NewRequest(http.MethodGet, "/api/machine/info", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var resp MachineInfoResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, hostA, resp.Machine)
	assert.Contains(t, w.Body.String(), `"macAddress":"AA:BB:CC:DD:EE:01"`)
}

type stubStatus struct{ health LicenseHealth }

func (s stubStatus) Current(context.Context) LicenseHealth { return s.health }

func TestHealthHandler(t *testing.T) {
	h := NewHealthHandler("1.2.3", stubStatus{LicenseHealth{Valid: true, Kind: "NONE", LicenseID: "L-1"}}, quietLogger())
	h.AddCheck("ledger", func(context.Context) error { return nil })

	t.Run("healthy", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.HealthCheck(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))
		require.Equal(t, http.StatusOK, w.Code)

		var resp HealthResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, StatusHealthy, resp.Status)
		assert.Equal(t, "1.2.3", resp.Version)
		require.NotNil(t, resp.License)
		assert.Equal(t, "L-1", resp.License.LicenseID)
		assert.Equal(t, StatusHealthy, resp.Components["ledger"].Status)
	})

	h.AddCheck("redis", func(context.Context) error { return errors.New("connection refused") })

	t.Run("degraded", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.HealthCheck(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))
		assert.Equal(t, http.StatusOK, w.Code)

		var resp HealthResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, StatusDegraded, resp.Status)
		assert.Equal(t, "connection refused", resp.Components["redis"].Message)
	})

	t.Run("not ready", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ReadinessCheck(w, httptest.NewRequest(http.MethodGet, "/api/health/ready", nil))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.NotContains(t, w.Body.String(), `"license"`)
	})

	t.Run("live", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.LivenessCheck(w, httptest.NewRequest(http.MethodGet, "/api/health/live", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestMetricsHandler(t *testing.T) {
	errHandler := apierrors.NewErrorHandler(quietLogger(), false)

	t.Run("disabled", func(t *testing.T) {
		w := httptest.NewRecorder()
		NewMetricsHandler(nil, errHandler).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("exporter", func(t *testing.T) {
		exporter := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("license_validations_total 1\n"))
		})
		w := httptest.NewRecorder()
		NewMetricsHandler(exporter, errHandler).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "license_validations_total")
	})
}
