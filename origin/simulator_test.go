package origin

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/richiefi/vcp-origin/headercodec"
	"github.com/richiefi/vcp-origin/interactions"
	"github.com/richiefi/vcp-origin/testhelp"
)

var fixedNow = time.Unix(1700000000, 0)

type sleepRecorder struct {
	store *interactions.Store
	id    string
	slept []time.Duration
	// events seen at the moment sleep was called
	seen []interactions.Event
}

func (sr *sleepRecorder) sleep(d time.Duration) {
	sr.slept = append(sr.slept, d)
	sr.seen = sr.store.Read(sr.id)
}

func setupSimulator(t *testing.T, id string) (*Simulator, *interactions.Store, *sleepRecorder) {
	logger := testhelp.NewLogger(t)
	store := interactions.NewStore(interactions.Options{}, logger)
	t.Cleanup(func() { _ = store.Close() })
	sr := &sleepRecorder{store: store, id: id}
	sim := NewSimulatorWithClock(store, logger, nil, func() time.Time { return fixedNow }, sr.sleep)
	return sim, store, sr
}

func trackedRequest(id string, query url.Values, header http.Header) *http.Request {
	target := "/sanitised/ids/" + id
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req := httptest.NewRequest("GET", target, nil)
	for name, vals := range header {
		for _, v := range vals {
			req.Header.Add(name, v)
		}
	}
	return req
}

func TestRespond_plain(t *testing.T) {
	sim, store, sr := setupSimulator(t, "abc")
	rec := httptest.NewRecorder()

	resp := sim.Respond(rec, trackedRequest("abc", nil, http.Header{"Accept": []string{"*/*"}}), "abc")

	require.Equal(t, 200, rec.Code)
	require.Equal(t, "1700000000", rec.Body.String())
	require.Regexp(t, regexp.MustCompile(`^\d{10}$`), rec.Body.String())
	require.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	require.False(t, resp.Slow)
	require.Empty(t, sr.slept)

	events := store.Read("abc")
	require.Len(t, events, 2)
	req := events[0].(interactions.RequestReceived)
	require.Equal(t, "/ids/abc", req.Path)
	require.Equal(t, headercodec.Pairs{{Name: "host", Value: "example.com"}, {Name: "accept", Value: "*/*"}}, req.Headers)
	require.Equal(t, interactions.ResponseSent{StatusCode: 200, Headers: headercodec.Pairs{}, Body: "1700000000"}, events[1])
}

func TestRespond_auto_304(t *testing.T) {
	tests := []struct {
		query      url.Values
		header     http.Header
		expectCode int
	}{
		{url.Values{"auto-304": {""}}, http.Header{"If-None-Match": {`"1"`}}, 304},
		{url.Values{"auto-304": {""}}, http.Header{"If-Modified-Since": {"Tue, 14 Nov 2023 22:13:20 GMT"}}, 304},
		{url.Values{"auto-304": {"1"}}, http.Header{"If-None-Match": {"anything"}}, 304},
		{url.Values{"auto-304": {""}}, http.Header{}, 200},
		{url.Values{}, http.Header{"If-None-Match": {`"1"`}}, 200},
	}
	for _, test := range tests {
		sim, store, _ := setupSimulator(t, "c")
		rec := httptest.NewRecorder()
		sim.Respond(rec, trackedRequest("c", test.query, test.header), "c")

		require.Equal(t, test.expectCode, rec.Code, test)
		sent := store.Read("c")[1].(interactions.ResponseSent)
		require.Equal(t, test.expectCode, sent.StatusCode)
		if test.expectCode == 304 {
			require.Empty(t, rec.Body.String())
			require.Empty(t, sent.Body)
		} else {
			require.Equal(t, "1700000000", rec.Body.String())
			require.Equal(t, "1700000000", sent.Body)
		}
	}
}

func TestRespond_slowly(t *testing.T) {
	sim, store, sr := setupSimulator(t, "slow")
	rec := httptest.NewRecorder()

	resp := sim.Respond(rec, trackedRequest("slow", url.Values{"respond-slowly": {""}}, nil), "slow")

	require.True(t, resp.Slow)
	require.Equal(t, []time.Duration{2 * time.Second}, sr.slept)
	// Sleeping is recorded before the delay, ResponseSent only after it
	require.Len(t, sr.seen, 2)
	require.Equal(t, interactions.Sleeping{Seconds: 2}, sr.seen[1])

	events := store.Read("slow")
	require.Len(t, events, 3)
	require.IsType(t, interactions.RequestReceived{}, events[0])
	require.Equal(t, interactions.Sleeping{Seconds: 2}, events[1])
	require.IsType(t, interactions.ResponseSent{}, events[2])
	require.Equal(t, 200, rec.Code)
}

func TestRespond_slowly_and_304(t *testing.T) {
	sim, store, sr := setupSimulator(t, "both")
	rec := httptest.NewRecorder()

	q := url.Values{"respond-slowly": {""}, "auto-304": {""}}
	sim.Respond(rec, trackedRequest("both", q, http.Header{"If-None-Match": {`"x"`}}), "both")

	require.Len(t, sr.slept, 1)
	require.Equal(t, 304, rec.Code)
	events := store.Read("both")
	require.Len(t, events, 3)
	require.Equal(t, interactions.ResponseSent{StatusCode: 304, Headers: headercodec.Pairs{}, Body: ""}, events[2])
}

func TestRespond_scripted_headers(t *testing.T) {
	sim, store, _ := setupSimulator(t, "h")
	rec := httptest.NewRecorder()

	q := url.Values{}
	q.Add("headers-to-return", headercodec.Encode("ETag", "auto"))
	q.Add("headers-to-return", headercodec.Encode("Cache-Control", "max-age=10"))
	q.Add("headers-to-return", headercodec.Encode("Set-Cookie", "a=1"))
	q.Add("headers-to-return", headercodec.Encode("Set-Cookie", "b=2"))
	q.Add("headers-to-return", "bm8gY29sb24=")
	q.Add("headers-to-return", headercodec.Encode("Content-Type", "application/json"))
	sim.Respond(rec, trackedRequest("h", q, nil), "h")

	require.Equal(t, `"1700000000"`, rec.Header().Get("ETag"))
	require.Equal(t, "max-age=10", rec.Header().Get("Cache-Control"))
	require.Equal(t, []string{"a=1", "b=2"}, rec.Header().Values("Set-Cookie"))
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	sent := store.Read("h")[1].(interactions.ResponseSent)
	require.Equal(t, headercodec.Pairs{
		{Name: "ETag", Value: `"1700000000"`},
		{Name: "Cache-Control", Value: "max-age=10"},
		{Name: "Set-Cookie", Value: "a=1"},
		{Name: "Set-Cookie", Value: "b=2"},
		{Name: "", Value: "no colon"},
		{Name: "Content-Type", Value: "application/json"},
	}, sent.Headers)
}

func TestRespond_auto_etag_dropped_on_304(t *testing.T) {
	sim, store, _ := setupSimulator(t, "e")
	rec := httptest.NewRecorder()

	q := url.Values{"auto-304": {""}}
	q.Add("headers-to-return", headercodec.Encode("etag", "auto"))
	sim.Respond(rec, trackedRequest("e", q, http.Header{"If-None-Match": {`"1"`}}), "e")

	require.Equal(t, 304, rec.Code)
	require.Empty(t, rec.Header().Get("ETag"))
	require.Empty(t, store.Read("e")[1].(interactions.ResponseSent).Headers)
}

func TestRequestPairs_keeps_duplicates(t *testing.T) {
	req := httptest.NewRequest("GET", "http://varnish/sanitised/ids/x", nil)
	req.Header.Add("X-B", "1")
	req.Header.Add("Cookie", "a=1")
	req.Header.Add("X-B", "2")

	require.Equal(t, headercodec.Pairs{
		{Name: "host", Value: "varnish"},
		{Name: "cookie", Value: "a=1"},
		{Name: "x-b", Value: "1"},
		{Name: "x-b", Value: "2"},
	}, RequestPairs(req))
}

func TestRecordedPath(t *testing.T) {
	require.Equal(t, "/ids/abc", RecordedPath("/sanitised/ids/abc"))
	require.Equal(t, "/ids/abc", RecordedPath("/ids/abc"))
}
