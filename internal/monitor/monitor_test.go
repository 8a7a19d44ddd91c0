package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelvision/sentinel/internal/statusstore"
)

type stubCollector struct {
	name string
	data any
	err  error
}

func (s *stubCollector) Name() string { return s.name }

func (s *stubCollector) Collect(context.Context) (any, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.data, nil
}

func TestRegistryBoundsHistory(t *testing.T) {
	reg := NewRegistry()
	base := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	for i := 0; i < historyLimit+20; i++ {
		reg.Record("system", base.Add(time.Duration(i)*time.Second), i)
	}

	history := reg.History("system")
	require.Len(t, history, historyLimit)
	assert.Equal(t, 20, history[0].Data)

	latest, ok := reg.Latest("system")
	require.True(t, ok)
	assert.Equal(t, historyLimit+19, latest.Data)
}

func TestRegistryHealthTracksErrors(t *testing.T) {
	reg := NewRegistry()
	at := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)

	reg.RecordError("storage", at, errors.New("minio down"))
	h := reg.HealthReport()["storage"]
	assert.False(t, h.Healthy())
	assert.Equal(t, "minio down", h.LastError)

	reg.Record("storage", at.Add(time.Second), StorageSample{Live: true})
	h = reg.HealthReport()["storage"]
	assert.True(t, h.Healthy())
	assert.Empty(t, h.LastError)
}

func TestRunCollectorsRecordsBothOutcomes(t *testing.T) {
	reg := NewRegistry()
	good := &stubCollector{name: "clients", data: ClientsSample{Counts: map[string]int{"active_clients": 2}}}
	bad := &stubCollector{name: "storage", err: errors.New("unreachable")}

	runCollectors(context.Background(), reg, []Collector{good, bad}, time.Now)

	_, ok := reg.Latest("clients")
	assert.True(t, ok)
	_, ok = reg.Latest("storage")
	assert.False(t, ok)
	assert.False(t, reg.HealthReport()["storage"].Healthy())
}

type fakeStatus struct {
	snap map[string][]string
	err  error
}

func (f *fakeStatus) Snapshot(context.Context) (map[string][]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.snap, nil
}

func TestClientsCollectorCounts(t *testing.T) {
	col := &ClientsCollector{Status: &fakeStatus{snap: map[string][]string{
		statusstore.FieldActive:  {"obama", "biden"},
		statusstore.FieldBlocked: {"mallory"},
	}}}

	data, err := col.Collect(context.Background())
	require.NoError(t, err)
	sample, ok := data.(ClientsSample)
	require.True(t, ok)
	assert.Equal(t, 2, sample.Counts[statusstore.FieldActive])
	assert.Equal(t, 1, sample.Counts[statusstore.FieldBlocked])
	assert.Equal(t, 0, sample.Counts[statusstore.FieldPaused])
}

func newTestMonitor(collectors ...Collector) *Monitor {
	return New(Config{HTTPAddr: "127.0.0.1:0"}, collectors, zerolog.Nop())
}

func TestHTTPSnapshotAndAbsence(t *testing.T) {
	m := newTestMonitor(&stubCollector{name: CollectorClients, data: ClientsSample{Counts: map[string]int{"active_clients": 1}}})
	runCollectors(context.Background(), m.Registry(), m.collectors, time.Now)
	router := m.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics/clients", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.False(t, snap.CollectedAt.IsZero())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics/system", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHTTPHealthz(t *testing.T) {
	m := newTestMonitor(
		&stubCollector{name: CollectorClients, data: ClientsSample{}},
		&stubCollector{name: CollectorStorage, err: errors.New("unreachable")},
	)
	runCollectors(context.Background(), m.Registry(), m.collectors, time.Now)

	rec := httptest.NewRecorder()
	m.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var report map[string]Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.True(t, report[CollectorClients].Healthy())
	assert.Equal(t, "unreachable", report[CollectorStorage].LastError)
}

func TestHTTPBanner(t *testing.T) {
	m := newTestMonitor(&stubCollector{name: CollectorSystem})
	rec := httptest.NewRecorder()
	m.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var banner struct {
		Service    string   `json:"service"`
		Collectors []string `json:"collectors"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &banner))
	assert.Equal(t, "sentinel-monitor", banner.Service)
	assert.Equal(t, []string{CollectorSystem}, banner.Collectors)
}
