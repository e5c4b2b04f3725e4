package recovery

import (
	"sync"
	"time"

	"github.com/blockberries/finalberry/metrics"
)

// Recovery kinds, as labelled in Stats and metrics
const (
	KindCrash     = "crash"
	KindPartition = "partition"
	KindByzantine = "byzantine"
)

// KindStats summarises the attempts of one recovery kind
type KindStats struct {
	Attempts  int
	Successes int
	Failures  int
	Total     time.Duration
	Last      time.Time
}

// Average returns the mean attempt duration
func (s KindStats) Average() time.Duration {
	if s.Attempts == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Attempts)
}

// Stats records recovery outcomes for the read-only observability surface.
// It is safe for concurrent use and may be shared by all recoveries.
type Stats struct {
	mu      sync.Mutex
	kinds   map[string]*KindStats
	metrics *metrics.Metrics
}

// NewStats creates empty stats that also feed m, which may be nil
func NewStats(m *metrics.Metrics) *Stats {
	if m == nil {
		m = metrics.Nop()
	}
	return &Stats{kinds: make(map[string]*KindStats), metrics: m}
}

// Record records one attempt
func (s *Stats) Record(kind string, success bool, d time.Duration) {
	s.mu.Lock()
	ks, ok := s.kinds[kind]
	if !ok {
		ks = &KindStats{}
		s.kinds[kind] = ks
	}
	ks.Attempts++
	if success {
		ks.Successes++
	} else {
		ks.Failures++
	}
	ks.Total += d
	ks.Last = time.Now()
	s.mu.Unlock()

	s.metrics.RecordRecovery(kind, success, d)
}

// Kind returns a copy of the stats for kind
func (s *Stats) Kind(kind string) KindStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ks, ok := s.kinds[kind]; ok {
		return *ks
	}
	return KindStats{}
}

// Snapshot returns a copy of all stats by kind
func (s *Stats) Snapshot() map[string]KindStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]KindStats, len(s.kinds))
	for k, ks := range s.kinds {
		out[k] = *ks
	}
	return out
}
