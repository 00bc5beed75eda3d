package origin

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	apexlog "github.com/apex/log"

	"github.com/richiefi/vcp-origin/headercodec"
	"github.com/richiefi/vcp-origin/interactions"
	"github.com/richiefi/vcp-origin/metrics"
)

const (
	// TrackedPrefix is where the tracked endpoint is mounted. It's stripped from recorded paths.
	TrackedPrefix = "/sanitised"

	QueryRespondSlowly = "respond-slowly"
	QueryAuto304       = "auto-304"

	// SlowResponseSeconds is how long respond-slowly holds the response back
	SlowResponseSeconds = 2

	defaultContentType = "text/html; charset=utf-8"
)

// Response is what the tracked endpoint decided to send
type Response struct {
	StatusCode int
	Headers    headercodec.Pairs
	Body       string
	Slow       bool
}

// Simulator implements the tracked endpoint: it records the request, builds a
// timestamp response scripted by the query string and records that as well.
type Simulator struct {
	store   *interactions.Store
	logger  *apexlog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	sleep   func(time.Duration)
}

// NewSimulator creates a Simulator recording into store
func NewSimulator(store *interactions.Store, logger *apexlog.Logger, m *metrics.Metrics) *Simulator {
	return NewSimulatorWithClock(store, logger, m, time.Now, time.Sleep)
}

// NewSimulatorWithClock is NewSimulator with a specific clock and sleep function
func NewSimulatorWithClock(store *interactions.Store, logger *apexlog.Logger, m *metrics.Metrics, now func() time.Time, sleep func(time.Duration)) *Simulator {
	return &Simulator{
		store:   store,
		logger:  logger,
		metrics: m,
		now:     now,
		sleep:   sleep,
	}
}

// Respond runs the whole request for session id and returns what was sent.
// A slow response blocks only the calling goroutine and can't be cancelled.
func (s *Simulator) Respond(w http.ResponseWriter, r *http.Request, id string) Response {
	logctx := s.logger.WithFields(apexlog.Fields{"func": "Simulator.Respond", "id": id, "url": r.URL})

	s.store.Append(id, interactions.RequestReceived{
		Path:    RecordedPath(r.URL.Path),
		Headers: RequestPairs(r),
	})

	resp := s.decide(r)

	if resp.Slow {
		s.store.Append(id, interactions.Sleeping{Seconds: SlowResponseSeconds})
		logctx.WithField("seconds", SlowResponseSeconds).Debug("Sleeping before responding")
		s.sleep(SlowResponseSeconds * time.Second)
	}

	s.store.Append(id, interactions.ResponseSent{
		StatusCode: resp.StatusCode,
		Headers:    resp.Headers,
		Body:       resp.Body,
	})

	if skipped := resp.Headers.Apply(w.Header()); len(skipped) > 0 {
		logctx.WithField("skipped", skipped).Debug("Scripted headers not valid on the wire")
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", defaultContentType)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.StatusCode != http.StatusNotModified {
		if _, err := w.Write([]byte(resp.Body)); err != nil {
			logctx.WithError(err).Info("Writing response failed")
		}
	}

	s.metrics.ObserveTrackedResponse(resp.StatusCode, resp.Slow)
	logctx.WithFields(apexlog.Fields{"status": resp.StatusCode, "slow": resp.Slow}).Debug("Responded")
	return resp
}

func (s *Simulator) decide(r *http.Request) Response {
	query := r.URL.Query()

	resp := Response{
		StatusCode: http.StatusOK,
		Body:       strconv.FormatInt(s.now().Unix(), 10),
		Slow:       has(query, QueryRespondSlowly),
	}

	// No validator comparison: any conditional header is enough
	if has(query, QueryAuto304) && isConditional(r.Header) {
		resp.StatusCode = http.StatusNotModified
		resp.Body = ""
	}

	resp.Headers = headercodec.ResponseHeaders(query, resp.Body)
	return resp
}

func has(query map[string][]string, key string) bool {
	_, ok := query[key]
	return ok
}

func isConditional(h http.Header) bool {
	return h.Get("If-None-Match") != "" || h.Get("If-Modified-Since") != ""
}

// RecordedPath is the request path as the test driver addressed it through the cache
func RecordedPath(path string) string {
	return strings.Replace(path, TrackedPrefix+"/", "/", 1)
}

// RequestPairs flattens the request headers: host first, then the rest sorted by name
// with one pair per value. Names are lower case.
func RequestPairs(r *http.Request) headercodec.Pairs {
	names := make([]string, 0, len(r.Header))
	for name := range r.Header {
		names = append(names, name)
	}
	sort.Strings(names)

	pairs := make(headercodec.Pairs, 0, len(names)+1)
	if r.Host != "" {
		pairs.Add("host", r.Host)
	}
	for _, name := range names {
		for _, v := range r.Header[name] {
			pairs.Add(strings.ToLower(name), v)
		}
	}
	return pairs
}
