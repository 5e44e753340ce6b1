package poller

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"mot-status-backend/config"
	"mot-status-backend/internal/dvsa"
	"mot-status-backend/internal/mot"
	"mot-status-backend/internal/notification"
	"mot-status-backend/internal/reg"
	"mot-status-backend/internal/store"
)

// Fetcher is the slice of the DVSA client the poller needs.
type Fetcher interface {
	VehicleByRegistration(ctx context.Context, registration string) (*dvsa.VehicleRecord, error)
}

// ErrUnknownRegistration is returned by RefreshOne for a registration that
// is not part of the configured set.
var ErrUnknownRegistration = errors.New("registration is not configured")

// maxBackoffIntervals caps the consecutive-failure backoff so a broken
// credential still gets re-checked a few times a day at the default scan
// interval.
const maxBackoffIntervals = 8

// regState tracks per-registration poll progress. inFlight guards against
// overlapping fetches for the same registration; failures drives backoff.
type regState struct {
	inFlight    bool
	failures    int
	nextAttempt time.Time
	lastStatus  mot.Status
}

// Service drives periodic refresh across all configured registrations and
// publishes the derived facts (or failure states) to the store.
type Service struct {
	cfg        *config.Config
	fetcher    Fetcher
	store      store.Store
	workerPool *notification.WorkerPool
	now        func() time.Time

	mu    sync.Mutex
	state map[string]*regState
}

// NewService creates the poll scheduler. The worker pool may be nil when
// push notifications are not configured.
func NewService(cfg *config.Config, fetcher Fetcher, s store.Store, pool *notification.WorkerPool) *Service {
	state := make(map[string]*regState, len(cfg.DVSA.RegistrationList))
	for _, r := range cfg.DVSA.RegistrationList {
		state[r] = &regState{}
	}
	return &Service{
		cfg:        cfg,
		fetcher:    fetcher,
		store:      s,
		workerPool: pool,
		now:        time.Now,
		state:      state,
	}
}

// Run starts the polling loop and blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	log.Println("Starting MOT poller...")

	if s.workerPool != nil {
		s.workerPool.Start(ctx)
	}

	s.PollOnce(ctx)

	timer := time.NewTimer(s.cfg.DVSA.ScanInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("MOT poller shutting down.")
			return
		case <-timer.C:
			s.PollOnce(ctx)
			timer.Reset(s.cfg.DVSA.ScanInterval)
		}
	}
}

// PollOnce refreshes every registration that is due. Registrations are
// fetched concurrently but independently: one failing or unknown plate never
// blocks the others. The call returns when all fetches for this tick have
// published their outcome.
func (s *Service) PollOnce(ctx context.Context) {
	var wg sync.WaitGroup
	for _, registration := range s.cfg.DVSA.RegistrationList {
		if !s.begin(registration, false) {
			continue
		}
		wg.Add(1)
		go func(r string) {
			defer wg.Done()
			s.pollRegistration(ctx, r)
		}(registration)
	}
	wg.Wait()
}

// RefreshOne forces an immediate poll of a single registration, bypassing
// any backoff delay. If a fetch is already in flight for it, the request is
// a no-op; the in-flight poll will publish shortly.
func (s *Service) RefreshOne(ctx context.Context, registration string) error {
	r := reg.Normalize(registration)
	s.mu.Lock()
	_, ok := s.state[r]
	s.mu.Unlock()
	if !ok {
		return ErrUnknownRegistration
	}

	if !s.begin(r, true) {
		return nil
	}
	s.pollRegistration(ctx, r)
	return nil
}

// begin claims the in-flight slot for a registration. With force unset it
// also honors the backoff window.
func (s *Service) begin(registration string, force bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.state[registration]
	if !ok || st.inFlight {
		return false
	}
	if !force && s.now().Before(st.nextAttempt) {
		return false
	}
	st.inFlight = true
	return true
}

func (s *Service) pollRegistration(ctx context.Context, registration string) {
	record, err := s.fetcher.VehicleByRegistration(ctx, registration)
	now := s.now()

	if err != nil {
		// Shutdown mid-fetch: discard the outcome without publishing.
		if ctx.Err() != nil {
			s.mu.Lock()
			s.state[registration].inFlight = false
			s.mu.Unlock()
			return
		}

		kind := dvsa.ErrorKind(err)
		log.Printf("poll failed for %s (%s): %v", registration, kind, err)
		if storeErr := s.store.MarkUnavailable(ctx, registration, kind, now); storeErr != nil {
			log.Printf("failed to record unavailable state for %s: %v", registration, storeErr)
		}
		s.finishFailure(registration, now)
		return
	}

	fact := mot.Derive(record, s.cfg.DVSA.WarnDays, now)
	fact.Registration = registration

	if err := s.store.UpsertVehicle(ctx, registration, record); err != nil {
		log.Printf("failed to store vehicle %s: %v", registration, err)
	}
	if err := s.store.ReplaceStatus(ctx, fact, now); err != nil {
		log.Printf("failed to store status for %s: %v", registration, err)
		s.finishFailure(registration, now)
		return
	}

	previous := s.finishSuccess(registration, fact.Status)
	if s.shouldNotify(previous, fact.Status) {
		s.workerPool.Dispatch(registration)
	}
}

// finishFailure applies backoff: the wait before the next attempt doubles
// with each consecutive failure, capped, so a persistently broken upstream
// is not hammered every cycle. A single failure incurs no extra penalty
// beyond waiting for the next normal tick.
func (s *Service) finishFailure(registration string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state[registration]
	st.inFlight = false
	st.failures++

	// The first failure waits only for the next normal tick.
	if st.failures == 1 {
		st.nextAttempt = time.Time{}
		return
	}
	// Clamp the shift itself: a months-long outage pushes failures far past
	// the cap and an unbounded 1<<n would wrap around.
	intervals := maxBackoffIntervals
	if shift := st.failures - 1; shift < 4 {
		intervals = 1 << shift
	}
	st.nextAttempt = now.Add(time.Duration(intervals) * s.cfg.DVSA.ScanInterval)
}

// finishSuccess clears backoff state and returns the previously observed
// status for transition detection.
func (s *Service) finishSuccess(registration string, status mot.Status) mot.Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state[registration]
	st.inFlight = false
	st.failures = 0
	st.nextAttempt = time.Time{}
	previous := st.lastStatus
	st.lastStatus = status
	return previous
}

// shouldNotify fires a reminder only on a transition into a warnable state,
// so subscribers get one push when the MOT becomes due, not one per poll.
func (s *Service) shouldNotify(previous, current mot.Status) bool {
	if s.workerPool == nil || current == previous {
		return false
	}
	return current == mot.StatusExpiresSoon || current == mot.StatusExpired
}
