package zaptec

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PollClass partitions the polled data by how often it changes.
type PollClass int

const (
	// PollState is the fast-moving charger telemetry.
	PollState PollClass = iota
	// PollInfo is the device info record, polled hourly.
	PollInfo
	// PollFirmware is the firmware status, polled daily.
	PollFirmware
)

func (c PollClass) String() string {
	switch c {
	case PollState:
		return "state"
	case PollInfo:
		return "info"
	case PollFirmware:
		return "firmware"
	default:
		return "unknown"
	}
}

// Poller executes one fetch for a (device, class) pair. Implemented by the
// Bridge.
type Poller interface {
	Poll(ctx context.Context, deviceID string, class PollClass) error
}

// SchedulerOptions tunes the polling cadence. Zero values take the defaults
// below.
type SchedulerOptions struct {
	IdleInterval         time.Duration
	ChargingInterval     time.Duration
	InfoInterval         time.Duration
	FirmwareInterval     time.Duration
	FailureRetryInterval time.Duration
	MaxFailureStreak     int
	TickInterval         time.Duration
	Now                  func() time.Time
}

const (
	defaultIdleInterval         = 10 * time.Minute
	defaultChargingInterval     = time.Minute
	defaultInfoInterval         = time.Hour
	defaultFirmwareInterval     = 24 * time.Hour
	defaultFailureRetryInterval = 30 * time.Second
	defaultMaxFailureStreak     = 5
	defaultTickInterval         = time.Second
)

// chargerConfirmDelays are the offsets of the accelerated confirmation polls
// scheduled after a successful command. Installations settle faster.
var (
	chargerConfirmDelays      = []time.Duration{2 * time.Second, 7 * time.Second, 15 * time.Second}
	installationConfirmDelays = []time.Duration{2 * time.Second, 7 * time.Second}
)

type scheduleKey struct {
	deviceID string
	class    PollClass
}

type scheduleEntry struct {
	nextDue  time.Time
	failures int
	inFlight bool
	// confirms are due times for accelerated post-command polls. They are
	// additional to nextDue and consumed as they fire.
	confirms []time.Time
}

// Scheduler decides when each (device, class) pair is polled. A single
// cooperative tick loop collects the due pairs and launches their fetches
// concurrently; the shared rate limiter inside the client is the only
// serialization point.
type Scheduler struct {
	poller Poller
	cache  *Cache
	log    *zap.Logger
	opts   SchedulerOptions

	mu      sync.Mutex
	entries map[scheduleKey]*scheduleEntry
	wg      sync.WaitGroup
}

// NewScheduler wires a scheduler to a poller and the shared cache.
func NewScheduler(poller Poller, cache *Cache, opts SchedulerOptions, log *zap.Logger) *Scheduler {
	if opts.IdleInterval <= 0 {
		opts.IdleInterval = defaultIdleInterval
	}
	if opts.ChargingInterval <= 0 {
		opts.ChargingInterval = defaultChargingInterval
	}
	if opts.InfoInterval <= 0 {
		opts.InfoInterval = defaultInfoInterval
	}
	if opts.FirmwareInterval <= 0 {
		opts.FirmwareInterval = defaultFirmwareInterval
	}
	if opts.FailureRetryInterval <= 0 {
		opts.FailureRetryInterval = defaultFailureRetryInterval
	}
	if opts.MaxFailureStreak <= 0 {
		opts.MaxFailureStreak = defaultMaxFailureStreak
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = defaultTickInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		poller:  poller,
		cache:   cache,
		log:     log,
		opts:    opts,
		entries: make(map[scheduleKey]*scheduleEntry),
	}
}

// Track registers a device for the given poll classes, due immediately.
func (s *Scheduler) Track(deviceID string, classes ...PollClass) {
	now := s.opts.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, class := range classes {
		key := scheduleKey{deviceID, class}
		if _, ok := s.entries[key]; ok {
			continue
		}
		s.entries[key] = &scheduleEntry{nextDue: now}
	}
}

// Untrack removes all poll classes for a device.
func (s *Scheduler) Untrack(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.entries {
		if key.deviceID == deviceID {
			delete(s.entries, key)
		}
	}
}

// TriggerConfirm schedules the accelerated confirmation polls of the state
// class after a successful command. The polls still go through the shared
// rate limiter; only the schedule is accelerated.
func (s *Scheduler) TriggerConfirm(deviceID string) {
	delays := chargerConfirmDelays
	if dev, ok := s.cache.Device(deviceID); ok && dev.Kind == KindInstallation {
		delays = installationConfirmDelays
	}

	now := s.opts.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[scheduleKey{deviceID, PollState}]
	if !ok {
		// Installations have no state class; confirm via info instead.
		entry, ok = s.entries[scheduleKey{deviceID, PollInfo}]
		if !ok {
			return
		}
	}
	entry.confirms = entry.confirms[:0]
	for _, d := range delays {
		entry.confirms = append(entry.confirms, now.Add(d))
	}
	s.log.Debug("confirmation polls scheduled",
		zap.String("device", deviceID),
		zap.Durations("delays", delays))
}

// Run drives the tick loop until ctx is cancelled. In-flight polls are
// allowed to finish.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick launches a fetch for every due (device, class) pair.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.opts.Now()

	s.mu.Lock()
	var due []scheduleKey
	for key, entry := range s.entries {
		if entry.inFlight {
			continue
		}
		if s.dueLocked(entry, now) {
			entry.inFlight = true
			due = append(due, key)
		}
	}
	s.mu.Unlock()

	for _, key := range due {
		key := key
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			err := s.poller.Poll(ctx, key.deviceID, key.class)
			s.complete(key, err)
		}()
	}
}

func (s *Scheduler) dueLocked(entry *scheduleEntry, now time.Time) bool {
	if !entry.nextDue.After(now) {
		return true
	}
	return len(entry.confirms) > 0 && !entry.confirms[0].After(now)
}

func (s *Scheduler) complete(key scheduleKey, err error) {
	now := s.opts.Now()

	s.mu.Lock()
	entry, ok := s.entries[key]
	if !ok {
		// Untracked while in flight; drop the result.
		s.mu.Unlock()
		return
	}
	entry.inFlight = false

	// Consume the confirmation slots that have fired.
	for len(entry.confirms) > 0 && !entry.confirms[0].After(now) {
		entry.confirms = entry.confirms[1:]
	}

	if err != nil {
		entry.failures++
		if entry.failures <= s.opts.MaxFailureStreak {
			entry.nextDue = now.Add(s.opts.FailureRetryInterval)
		} else {
			entry.nextDue = now.Add(s.cadence(key))
		}
		failures := entry.failures
		s.mu.Unlock()

		pollsTotal.WithLabelValues(key.class.String(), "error").Inc()
		if failures > s.opts.MaxFailureStreak {
			deviceAvailable.WithLabelValues(key.deviceID).Set(0)
			if s.cache.SetAvailable(key.deviceID, false) {
				s.log.Warn("device marked unavailable",
					zap.String("device", key.deviceID),
					zap.Int("failures", failures))
			}
		}
		s.log.Debug("poll failed",
			zap.String("device", key.deviceID),
			zap.Stringer("class", key.class),
			zap.Int("failures", failures),
			zap.Error(err))
		return
	}

	entry.failures = 0
	entry.nextDue = now.Add(s.cadence(key))
	s.mu.Unlock()

	pollsTotal.WithLabelValues(key.class.String(), "ok").Inc()
	lastPollSuccess.WithLabelValues(key.deviceID, key.class.String()).Set(float64(now.Unix()))
	deviceAvailable.WithLabelValues(key.deviceID).Set(1)
	if s.cache.SetAvailable(key.deviceID, true) {
		s.log.Info("device available again", zap.String("device", key.deviceID))
	}
}

// cadence is a pure function of the poll class and the device's current
// charging snapshot; it is recomputed on every completion rather than stored,
// so the schedule cannot drift.
func (s *Scheduler) cadence(key scheduleKey) time.Duration {
	switch key.class {
	case PollInfo:
		return s.opts.InfoInterval
	case PollFirmware:
		return s.opts.FirmwareInterval
	default:
		if s.isCharging(key.deviceID) {
			return s.opts.ChargingInterval
		}
		return s.opts.IdleInterval
	}
}

func (s *Scheduler) isCharging(deviceID string) bool {
	v, ok := s.cache.Get(deviceID, "charger_operation_mode")
	if !ok {
		return false
	}
	switch mode := v.Value.(type) {
	case string:
		return OperationMode(mode) == ModeConnectedCharging
	case OperationMode:
		return mode == ModeConnectedCharging
	default:
		return false
	}
}
