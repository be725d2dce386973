package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/puzpuzpuz/xsync/v3"
	log "github.com/sirupsen/logrus"
)

// --------------------------------------------------------------------------
// Types
// --------------------------------------------------------------------------

// Status is the liveness state of one volume.
type Status uint8

const (
	StatusUnknown Status = iota
	StatusLive
	StatusDown
)

func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusLive:
		return "live"
	case StatusDown:
		return "down"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// Target identifies one volume to probe.
type Target struct {
	ID   string
	Addr string
}

// Record is a point-in-time copy of a volume's health bookkeeping.
type Record struct {
	Target
	Status           Status
	ConsecutiveFails int
	LastCheck        time.Time
	LastLive         time.Time
}

// Prober performs a single heartbeat against a volume address.
type Prober func(ctx context.Context, addr string) error

// Provider returns the current set of volumes to monitor. It is called
// once per probe round, so registry changes are picked up automatically.
type Provider func() []Target

var (
	metricProbes      = metrics.NewCounter(`qkv_health_probes_total`)
	metricProbeFails  = metrics.NewCounter(`qkv_health_probe_failures_total`)
	metricTransitions = metrics.NewCounter(`qkv_health_transitions_total`)
)

// --------------------------------------------------------------------------
// Configuration
// --------------------------------------------------------------------------

// Config holds the probing parameters.
type Config struct {
	// Interval between probe rounds.
	Interval time.Duration
	// Timeout bounds a single probe.
	Timeout time.Duration
	// MaxFailures is the number of consecutive failed probes after which
	// a volume is declared down.
	MaxFailures int
}

// DefaultConfig returns the production probing cadence.
func DefaultConfig() Config {
	return Config{
		Interval:    5 * time.Second,
		Timeout:     2 * time.Second,
		MaxFailures: 3,
	}
}

// --------------------------------------------------------------------------
// Monitor
// --------------------------------------------------------------------------

// volumeState is the mutable bookkeeping of one volume. Each volume has
// its own lock so probes of different volumes never serialize.
type volumeState struct {
	mu sync.Mutex
	Record
}

// Monitor tracks volume liveness through periodic probes.
type Monitor struct {
	cfg    Config
	prober Prober

	states *xsync.MapOf[string, *volumeState]

	onDown func(id string)
	onUp   func(id string)

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewMonitor creates a monitor that probes with prober.
func NewMonitor(cfg Config, prober Prober) *Monitor {
	return &Monitor{
		cfg:    cfg,
		prober: prober,
		states: xsync.NewMapOf[string, *volumeState](),
		stopCh: make(chan struct{}),
	}
}

// OnDown registers the callback fired once when a volume transitions to
// down. Must be called before Start.
func (m *Monitor) OnDown(fn func(id string)) { m.onDown = fn }

// OnUp registers the callback fired once when a volume transitions back
// to live. Must be called before Start.
func (m *Monitor) OnUp(fn func(id string)) { m.onUp = fn }

// Start launches the probe loop. The first round runs immediately so a
// fresh coordinator does not place writes blind for a full interval.
func (m *Monitor) Start(provider Provider) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		log.Infof("health monitor started (interval=%v, maxFailures=%d)", m.cfg.Interval, m.cfg.MaxFailures)
		m.checkAll(provider())
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.checkAll(provider())
			}
		}
	}()
}

// Stop terminates the probe loop and waits for in-flight probes.
func (m *Monitor) Stop() {
	m.stopped.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// checkAll probes every target concurrently and prunes volumes that
// left the registry.
func (m *Monitor) checkAll(targets []Target) {
	current := make(map[string]bool, len(targets))
	var wg sync.WaitGroup
	for _, t := range targets {
		current[t.ID] = true
		wg.Add(1)
		go func(t Target) {
			defer wg.Done()
			m.checkOne(t)
		}(t)
	}
	wg.Wait()

	m.states.Range(func(id string, _ *volumeState) bool {
		if !current[id] {
			m.states.Delete(id)
			log.Debugf("health monitor stopped tracking removed volume %s", id)
		}
		return true
	})
}

// checkOne runs a single probe and applies the transition rules.
func (m *Monitor) checkOne(t Target) {
	st, _ := m.states.LoadOrCompute(t.ID, func() *volumeState {
		return &volumeState{Record: Record{Target: t, Status: StatusUnknown}}
	})

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Timeout)
	err := m.prober(ctx, t.Addr)
	cancel()
	metricProbes.Inc()

	st.mu.Lock()
	st.Addr = t.Addr
	st.LastCheck = time.Now()

	if err != nil {
		metricProbeFails.Inc()
		st.ConsecutiveFails++
		log.Debugf("health probe of volume %s failed (%d/%d): %v", t.ID, st.ConsecutiveFails, m.cfg.MaxFailures, err)
		if st.ConsecutiveFails >= m.cfg.MaxFailures && st.Status != StatusDown {
			st.Status = StatusDown
			st.mu.Unlock()
			metricTransitions.Inc()
			log.Warnf("volume %s is down after %d consecutive probe failures", t.ID, m.cfg.MaxFailures)
			if m.onDown != nil {
				m.onDown(t.ID)
			}
			return
		}
		st.mu.Unlock()
		return
	}

	wasDown := st.Status == StatusDown
	st.Status = StatusLive
	st.ConsecutiveFails = 0
	st.LastLive = st.LastCheck
	st.mu.Unlock()

	if wasDown {
		metricTransitions.Inc()
		log.Infof("volume %s recovered", t.ID)
		if m.onUp != nil {
			m.onUp(t.ID)
		}
	}
}

// --------------------------------------------------------------------------
// Queries
// --------------------------------------------------------------------------

// IsLive reports whether a volume is currently considered live. Unknown
// volumes report false.
func (m *Monitor) IsLive(id string) bool {
	st, ok := m.states.Load(id)
	if !ok {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.Status == StatusLive
}

// Status returns a copy of the bookkeeping of one volume.
func (m *Monitor) Status(id string) (Record, bool) {
	st, ok := m.states.Load(id)
	if !ok {
		return Record{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.Record, true
}

// LiveVolumes returns the IDs of all currently live volumes, sorted for
// deterministic placement input. The slice is a fresh copy on every
// call; later transitions do not mutate it.
func (m *Monitor) LiveVolumes() []string {
	var out []string
	m.states.Range(func(id string, st *volumeState) bool {
		st.mu.Lock()
		live := st.Status == StatusLive
		st.mu.Unlock()
		if live {
			out = append(out, id)
		}
		return true
	})
	sort.Strings(out)
	return out
}

// All returns a copy of every tracked record.
func (m *Monitor) All() []Record {
	var out []Record
	m.states.Range(func(_ string, st *volumeState) bool {
		st.mu.Lock()
		out = append(out, st.Record)
		st.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
