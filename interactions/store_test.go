package interactions

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/richiefi/vcp-origin/headercodec"
	"github.com/richiefi/vcp-origin/metrics"
	"github.com/richiefi/vcp-origin/testhelp"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestStore(t *testing.T, clock *fakeClock) *Store {
	s := NewStore(Options{Now: clock.Now}, testhelp.NewLogger(t))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRead_unknown_session_is_empty(t *testing.T) {
	s := newTestStore(t, &fakeClock{t: time.Unix(1700000000, 0)})

	events := s.Read("never-seen")
	require.NotNil(t, events)
	require.Empty(t, events)

	b, err := json.Marshal(events)
	require.Nil(t, err)
	require.Equal(t, "[]", string(b))
}

func TestAppend_keeps_call_order(t *testing.T) {
	s := newTestStore(t, &fakeClock{t: time.Unix(1700000000, 0)})

	s.Append("abc", RequestReceived{Path: "/ids/abc"})
	s.Append("abc", Sleeping{Seconds: 2})
	s.Append("abc", ResponseSent{StatusCode: 200, Body: "1"})
	s.Append("other", Custom{Raw: json.RawMessage(`{"x":1}`)})

	require.Equal(t, []Event{
		RequestReceived{Path: "/ids/abc", Headers: headercodec.Pairs{}},
		Sleeping{Seconds: 2},
		ResponseSent{StatusCode: 200, Body: "1", Headers: headercodec.Pairs{}},
	}, s.Read("abc"))
	require.Len(t, s.Read("other"), 1)
	require.Equal(t, 2, s.Len())
}

func TestAppend_events_are_not_shared_with_caller(t *testing.T) {
	s := newTestStore(t, &fakeClock{t: time.Unix(1700000000, 0)})

	headers := headercodec.Pairs{{Name: "host", Value: "a"}}
	s.Append("abc", RequestReceived{Path: "/ids/abc", Headers: headers})
	headers[0].Value = "mutated"

	read := s.Read("abc")
	require.Equal(t, "a", read[0].(RequestReceived).Headers[0].Value)

	read[0] = Sleeping{Seconds: 9}
	require.IsType(t, RequestReceived{}, s.Read("abc")[0])
}

func TestRead_events_are_not_shared_with_caller(t *testing.T) {
	s := newTestStore(t, &fakeClock{t: time.Unix(1700000000, 0)})

	s.Append("abc", RequestReceived{Path: "/ids/abc", Headers: headercodec.Pairs{{Name: "host", Value: "a"}}})
	s.Append("abc", ResponseSent{StatusCode: 200, Headers: headercodec.Pairs{{Name: "etag", Value: `"1"`}}, Body: "1"})
	s.Append("abc", Custom{Raw: json.RawMessage(`{"x":1}`)})

	read := s.Read("abc")
	read[0].(RequestReceived).Headers[0].Value = "mutated"
	read[1].(ResponseSent).Headers[0].Value = "mutated"
	read[2].(Custom).Raw[1] = '!'

	again := s.Read("abc")
	require.Equal(t, "a", again[0].(RequestReceived).Headers[0].Value)
	require.Equal(t, `"1"`, again[1].(ResponseSent).Headers[0].Value)
	require.Equal(t, `{"x":1}`, string(again[2].(Custom).Raw))
}

func TestAppend_nil_events_are_dropped(t *testing.T) {
	s := newTestStore(t, &fakeClock{t: time.Unix(1700000000, 0)})

	require.NotPanics(t, func() {
		s.Append("abc", nil)
		s.Append("abc", (*RequestReceived)(nil))
		s.Append("abc", (*ResponseSent)(nil))
		s.Append("abc", (*Custom)(nil))
		s.Append("abc", (*Sleeping)(nil))
	})
	require.Empty(t, s.Read("abc"))
	require.Equal(t, 0, s.Len())

	s.Append("abc", &Sleeping{Seconds: 2})
	require.Equal(t, []Event{Sleeping{Seconds: 2}}, s.Read("abc"))
}

func TestNewStore_zero_interval_disables_sweep(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	s := NewStore(Options{Retention: time.Second, Now: clock.Now}, testhelp.NewLogger(t))

	s.Append("abc", Sleeping{Seconds: 2})
	clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, s.Len())

	// Close returns at once since no loop was started; goleak checks nothing is left behind
	require.Nil(t, s.Close())
	require.Equal(t, 1, s.Sweep(clock.Now()))
}

func TestSessionsGauge_follows_concurrent_appends_and_sweeps(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	m := metrics.NewMetrics(prometheus.NewRegistry())
	s := NewStore(Options{Retention: time.Second, Now: clock.Now, Metrics: m}, testhelp.NewLogger(t))
	defer s.Close()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				s.Append(fmt.Sprintf("w%d-%d", w, i), Sleeping{Seconds: i})
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			s.Sweep(clock.Now().Add(time.Hour))
		}
	}()
	wg.Wait()

	require.Equal(t, float64(s.Len()), testutil.ToFloat64(m.Sessions))
}

func TestSweep_uses_creation_time(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	s := newTestStore(t, clock)

	s.Append("abc", Sleeping{Seconds: 2})
	clock.Advance(90 * time.Second)
	s.Append("abc", Sleeping{Seconds: 2})
	s.Append("young", Sleeping{Seconds: 2})
	clock.Advance(30 * time.Second)

	// abc is exactly at the window, ties are kept
	require.Equal(t, 0, s.Sweep(clock.Now()))
	require.Len(t, s.Read("abc"), 2)

	removed := s.Sweep(clock.Now().Add(time.Nanosecond))
	require.Equal(t, 1, removed)
	require.Empty(t, s.Read("abc"))
	require.Len(t, s.Read("young"), 1)

	// A new append after eviction starts a fresh session
	s.Append("abc", Sleeping{Seconds: 2})
	require.Len(t, s.Read("abc"), 1)
}

func TestSweep_custom_retention_and_metrics(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	m := metrics.NewMetrics(prometheus.NewRegistry())
	s := NewStore(Options{Retention: time.Second, Now: clock.Now, Metrics: m}, testhelp.NewLogger(t))
	defer s.Close()

	for i := 0; i < 3; i++ {
		s.Append(fmt.Sprintf("id-%d", i), Sleeping{Seconds: 2})
	}
	require.Equal(t, float64(3), testutil.ToFloat64(m.Sessions))

	clock.Advance(2 * time.Second)
	require.Equal(t, 3, s.Sweep(clock.Now()))
	require.Equal(t, float64(0), testutil.ToFloat64(m.Sessions))
	require.Equal(t, float64(3), testutil.ToFloat64(m.EvictedSessions))
}

func TestSweepLoop_evicts_and_stops(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	s := NewStore(Options{Retention: time.Minute, SweepInterval: 5 * time.Millisecond, Now: clock.Now}, testhelp.NewLogger(t))

	s.Append("abc", Sleeping{Seconds: 2})
	clock.Advance(2 * time.Minute)

	require.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 5*time.Millisecond)
	require.Nil(t, s.Close())
	require.Nil(t, s.Close())
}

func TestStore_concurrent_appends(t *testing.T) {
	s := newTestStore(t, &fakeClock{t: time.Unix(1700000000, 0)})

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			id := fmt.Sprintf("session-%d", w%2)
			for i := 0; i < 100; i++ {
				s.Append(id, Sleeping{Seconds: i})
				_ = s.Read(id)
			}
		}(w)
	}
	wg.Wait()

	require.Len(t, s.Read("session-0"), 400)
	require.Len(t, s.Read("session-1"), 400)
}

func TestStore_per_writer_order_is_kept(t *testing.T) {
	s := newTestStore(t, &fakeClock{t: time.Unix(1700000000, 0)})

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				s.Append("shared", Sleeping{Seconds: w*1000 + i})
			}
		}(w)
	}
	wg.Wait()

	last := map[int]int{}
	for _, e := range s.Read("shared") {
		sec := e.(Sleeping).Seconds
		w, i := sec/1000, sec%1000
		if prev, ok := last[w]; ok {
			require.Greater(t, i, prev)
		}
		last[w] = i
	}
}
