package poller

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"mot-status-backend/config"
	"mot-status-backend/internal/dvsa"
	"mot-status-backend/internal/mot"
	"mot-status-backend/internal/notification"
	"mot-status-backend/internal/store"
)

// mockFetcher returns canned results per registration.
type mockFetcher struct {
	mu      sync.Mutex
	calls   map[string]int
	fetch   func(ctx context.Context, registration string) (*dvsa.VehicleRecord, error)
	started chan string // optional; receives each registration as it begins
	release chan struct{}
}

func (m *mockFetcher) VehicleByRegistration(ctx context.Context, registration string) (*dvsa.VehicleRecord, error) {
	m.mu.Lock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[registration]++
	m.mu.Unlock()

	if m.started != nil {
		m.started <- registration
		<-m.release
	}
	return m.fetch(ctx, registration)
}

func (m *mockFetcher) callCount(registration string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[registration]
}

// memoryStore is an in-memory store.Store for scheduler tests.
type memoryStore struct {
	mu          sync.Mutex
	facts       map[string]mot.Fact
	available   map[string]bool
	lastError   map[string]string
	replaceErrs map[string]error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		facts:     make(map[string]mot.Fact),
		available: make(map[string]bool),
		lastError: make(map[string]string),
	}
}

func (m *memoryStore) DB() *gorm.DB { return nil }

func (m *memoryStore) UpsertVehicle(ctx context.Context, registration string, record *dvsa.VehicleRecord) error {
	return nil
}

func (m *memoryStore) ReplaceStatus(ctx context.Context, fact mot.Fact, observedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.replaceErrs[fact.Registration]; err != nil {
		return err
	}
	m.facts[fact.Registration] = fact
	m.available[fact.Registration] = true
	m.lastError[fact.Registration] = ""
	return nil
}

func (m *memoryStore) MarkUnavailable(ctx context.Context, registration, errorKind string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.available[registration] = false
	m.lastError[registration] = errorKind
	return nil
}

func (m *memoryStore) GetStatus(ctx context.Context, registration string) (*store.VehicleStatus, error) {
	return nil, gorm.ErrRecordNotFound
}

func (m *memoryStore) ListStatuses(ctx context.Context) ([]store.VehicleStatus, error) {
	return nil, nil
}

func (m *memoryStore) fact(registration string) (mot.Fact, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.facts[registration]
	return f, ok
}

func (m *memoryStore) isAvailable(registration string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available[registration]
}

func (m *memoryStore) errorKind(registration string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastError[registration]
}

func testConfig(registrations ...string) *config.Config {
	cfg := &config.Config{}
	cfg.DVSA.RegistrationList = registrations
	cfg.DVSA.WarnDays = 30
	cfg.DVSA.ScanInterval = time.Hour
	return cfg
}

func recordWithExpiry(registration, expiry string) *dvsa.VehicleRecord {
	return &dvsa.VehicleRecord{
		Registration: registration,
		Make:         "FORD",
		Model:        "FIESTA",
		MOTTests: []dvsa.MOTTest{
			{CompletedDate: "2023-05-10", TestResult: "PASSED", ExpiryDate: expiry, MOTTestNumber: "100001"},
		},
	}
}

func TestPollOnce_OneNotFoundDoesNotBlockOthers(t *testing.T) {
	fetcher := &mockFetcher{
		fetch: func(ctx context.Context, registration string) (*dvsa.VehicleRecord, error) {
			if registration == "BB22BBB" {
				return nil, fmt.Errorf("registration %s: %w", registration, dvsa.ErrNotFound)
			}
			return recordWithExpiry(registration, "2099-01-01"), nil
		},
	}
	memStore := newMemoryStore()
	svc := NewService(testConfig("AA11AAA", "BB22BBB", "CC33CCC"), fetcher, memStore, nil)

	svc.PollOnce(context.Background())

	for _, registration := range []string{"AA11AAA", "CC33CCC"} {
		fact, ok := memStore.fact(registration)
		require.True(t, ok, "%s should have published", registration)
		assert.Equal(t, mot.StatusValid, fact.Status)
		assert.True(t, memStore.isAvailable(registration))
	}

	_, ok := memStore.fact("BB22BBB")
	assert.False(t, ok, "failed registration must not publish a fact")
	assert.False(t, memStore.isAvailable("BB22BBB"))
	assert.Equal(t, "not_found", memStore.errorKind("BB22BBB"))
}

func TestPollOnce_FailureRetainsPreviousFact(t *testing.T) {
	fail := false
	fetcher := &mockFetcher{
		fetch: func(ctx context.Context, registration string) (*dvsa.VehicleRecord, error) {
			if fail {
				return nil, &dvsa.TransientError{Status: 503, Err: fmt.Errorf("API returned 503")}
			}
			return recordWithExpiry(registration, "2099-01-01"), nil
		},
	}
	memStore := newMemoryStore()
	svc := NewService(testConfig("AA11AAA"), fetcher, memStore, nil)

	svc.PollOnce(context.Background())
	fact, ok := memStore.fact("AA11AAA")
	require.True(t, ok)
	assert.True(t, memStore.isAvailable("AA11AAA"))

	fail = true
	svc.PollOnce(context.Background())

	// Last-known-good values stay for display; only availability flips.
	retained, ok := memStore.fact("AA11AAA")
	require.True(t, ok)
	assert.Equal(t, fact, retained)
	assert.False(t, memStore.isAvailable("AA11AAA"))
	assert.Equal(t, "transient", memStore.errorKind("AA11AAA"))
}

func TestPollOnce_NoOverlappingFetchPerRegistration(t *testing.T) {
	fetcher := &mockFetcher{
		started: make(chan string, 1),
		release: make(chan struct{}),
		fetch: func(ctx context.Context, registration string) (*dvsa.VehicleRecord, error) {
			return recordWithExpiry(registration, "2099-01-01"), nil
		},
	}
	memStore := newMemoryStore()
	svc := NewService(testConfig("AA11AAA"), fetcher, memStore, nil)

	done := make(chan struct{})
	go func() {
		svc.PollOnce(context.Background())
		close(done)
	}()

	<-fetcher.started // the poll is now in flight

	// A manual refresh while in flight is a no-op, not a second fetch.
	require.NoError(t, svc.RefreshOne(context.Background(), "AA11AAA"))
	assert.Equal(t, 1, fetcher.callCount("AA11AAA"))

	close(fetcher.release)
	<-done
	assert.Equal(t, 1, fetcher.callCount("AA11AAA"))
}

func TestBackoff_RepeatedFailuresDelayNextAttempt(t *testing.T) {
	fetcher := &mockFetcher{
		fetch: func(ctx context.Context, registration string) (*dvsa.VehicleRecord, error) {
			return nil, &dvsa.TransientError{Status: 500, Err: fmt.Errorf("API returned 500")}
		},
	}
	memStore := newMemoryStore()
	svc := NewService(testConfig("AA11AAA"), fetcher, memStore, nil)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	svc.now = func() time.Time { return now }

	// First failure: no penalty, the next normal tick may retry.
	svc.PollOnce(context.Background())
	assert.Equal(t, 1, fetcher.callCount("AA11AAA"))

	// Second failure: backoff kicks in (2 intervals).
	now = base.Add(time.Hour)
	svc.PollOnce(context.Background())
	assert.Equal(t, 2, fetcher.callCount("AA11AAA"))

	// The next tick falls inside the backoff window and is skipped.
	now = base.Add(2 * time.Hour)
	svc.PollOnce(context.Background())
	assert.Equal(t, 2, fetcher.callCount("AA11AAA"))

	// Once the window passes, polling resumes.
	now = base.Add(3*time.Hour + time.Minute)
	svc.PollOnce(context.Background())
	assert.Equal(t, 3, fetcher.callCount("AA11AAA"))
}

func TestBackoff_CapHoldsForVeryLongOutages(t *testing.T) {
	svc := NewService(testConfig("AA11AAA"), &mockFetcher{}, newMemoryStore(), nil)

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	capped := now.Add(time.Duration(maxBackoffIntervals) * time.Hour)

	// A months-long outage drives the counter far beyond the cap; the next
	// attempt must stay exactly one capped window away, never at or before now.
	for _, failures := range []int{4, 63, 64, 65, 500} {
		svc.mu.Lock()
		svc.state["AA11AAA"].failures = failures
		svc.mu.Unlock()

		svc.finishFailure("AA11AAA", now)

		svc.mu.Lock()
		next := svc.state["AA11AAA"].nextAttempt
		svc.mu.Unlock()
		assert.Equal(t, capped, next, "failures=%d", failures)
		assert.True(t, next.After(now), "failures=%d must keep a backoff window", failures)
	}
}

func TestBackoff_ManualRefreshBypassesDelay(t *testing.T) {
	fetcher := &mockFetcher{
		fetch: func(ctx context.Context, registration string) (*dvsa.VehicleRecord, error) {
			return nil, &dvsa.TransientError{Status: 500, Err: fmt.Errorf("API returned 500")}
		},
	}
	memStore := newMemoryStore()
	svc := NewService(testConfig("AA11AAA"), fetcher, memStore, nil)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	svc.now = func() time.Time { return now }

	svc.PollOnce(context.Background())
	now = base.Add(time.Hour)
	svc.PollOnce(context.Background())
	require.Equal(t, 2, fetcher.callCount("AA11AAA"))

	// Inside the backoff window a manual refresh still goes out.
	now = base.Add(90 * time.Minute)
	require.NoError(t, svc.RefreshOne(context.Background(), "aa11 aaa"))
	assert.Equal(t, 3, fetcher.callCount("AA11AAA"))
}

func TestRefreshOne_UnknownRegistration(t *testing.T) {
	fetcher := &mockFetcher{
		fetch: func(ctx context.Context, registration string) (*dvsa.VehicleRecord, error) {
			return recordWithExpiry(registration, "2099-01-01"), nil
		},
	}
	svc := NewService(testConfig("AA11AAA"), fetcher, newMemoryStore(), nil)

	err := svc.RefreshOne(context.Background(), "ZZ99ZZZ")
	assert.ErrorIs(t, err, ErrUnknownRegistration)
}

func TestNotification_DispatchedOnlyOnTransitionIntoWarnableState(t *testing.T) {
	expiry := "2099-01-01"
	fetcher := &mockFetcher{
		fetch: func(ctx context.Context, registration string) (*dvsa.VehicleRecord, error) {
			return recordWithExpiry(registration, expiry), nil
		},
	}
	memStore := newMemoryStore()
	pool := notification.NewWorkerPool(1, nil, nil) // not started; jobs are inspected directly
	svc := NewService(testConfig("AA11AAA"), fetcher, memStore, pool)

	svc.PollOnce(context.Background())
	assert.Empty(t, pool.Jobs(), "valid status must not notify")

	// The MOT drifts inside the warn window: one reminder.
	expiry = time.Now().UTC().AddDate(0, 0, 10).Format("2006-01-02")
	svc.PollOnce(context.Background())
	select {
	case registration := <-pool.Jobs():
		assert.Equal(t, "AA11AAA", registration)
	default:
		t.Fatal("expected a reminder dispatch on transition into expires_soon")
	}

	// Same status on the next poll: no repeat reminder.
	svc.PollOnce(context.Background())
	assert.Empty(t, pool.Jobs())
}
