package interactions

import (
	"sync"
	"time"

	apexlog "github.com/apex/log"

	"github.com/richiefi/vcp-origin/metrics"
)

// DefaultRetention applies when Options.Retention is not positive
const DefaultRetention = 2 * time.Minute

// Options configures a Store. A SweepInterval of zero or less disables the
// background sweep, leaving eviction to explicit Sweep calls.
type Options struct {
	Retention     time.Duration
	SweepInterval time.Duration
	Now           func() time.Time
	Metrics       *metrics.Metrics
}

type session struct {
	createdAt time.Time
	events    []Event
}

// Store holds the interaction history of every live session in memory
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*session

	retention time.Duration
	now       func() time.Time
	logger    *apexlog.Logger
	metrics   *metrics.Metrics

	stopChan  chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewStore creates a store and starts its sweep loop
func NewStore(opts Options, logger *apexlog.Logger) *Store {
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Store{
		sessions:  make(map[string]*session),
		retention: opts.Retention,
		now:       opts.Now,
		logger:    logger,
		metrics:   opts.Metrics,
		stopChan:  make(chan struct{}),
		done:      make(chan struct{}),
	}

	if opts.SweepInterval > 0 {
		go s.sweepLoop(opts.SweepInterval)
	} else {
		close(s.done)
	}

	return s
}

// Append adds an event to the session, creating the session on first use.
// Nil events are dropped.
func (s *Store) Append(id string, e Event) {
	e = clone(e)
	if e == nil {
		s.logger.WithFields(apexlog.Fields{"func": "Store.Append", "id": id}).Warn("Dropping nil event")
		return
	}

	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		sess = &session{createdAt: s.now()}
		s.sessions[id] = sess
		s.metrics.SetSessions(len(s.sessions))
	}
	sess.events = append(sess.events, e)
	s.mu.Unlock()

	if !ok {
		s.logger.WithFields(apexlog.Fields{"func": "Store.Append", "id": id}).Debug("Session created")
	}
}

// Read returns a copy of the session's events. Unknown sessions have no events.
func (s *Store) Read(id string) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return []Event{}
	}
	out := make([]Event, len(sess.events))
	for i, e := range sess.events {
		out[i] = clone(e)
	}
	return out
}

// Len returns the number of live sessions
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Sweep removes every session created more than the retention window before now.
// A session whose age equals the window is kept.
func (s *Store) Sweep(now time.Time) int {
	s.mu.Lock()
	removed := 0
	for id, sess := range s.sessions {
		if now.Sub(sess.createdAt) > s.retention {
			delete(s.sessions, id)
			removed++
		}
	}
	s.metrics.SetSessions(len(s.sessions))
	s.mu.Unlock()

	s.metrics.AddEvicted(removed)
	return removed
}

// Close stops the sweep loop and waits for it to exit. Safe to call more than once.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopChan)
	})
	<-s.done
	return nil
}

func (s *Store) sweepLoop(interval time.Duration) {
	defer close(s.done)
	logctx := s.logger.WithFields(apexlog.Fields{"func": "Store.sweepLoop", "interval": interval})
	logctx.Debug("Starting")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			removed := s.Sweep(s.now())
			if removed > 0 {
				logctx.WithField("removed", removed).Info("Evicted expired sessions")
			}
		case <-s.stopChan:
			logctx.Debug("Stopped")
			return
		}
	}
}
