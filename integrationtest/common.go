//go:build integration
// +build integration

package integrationtest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	apexlog "github.com/apex/log"
	"github.com/stretchr/testify/require"

	"github.com/richiefi/vcp-origin/config"
	"github.com/richiefi/vcp-origin/interactions"
	"github.com/richiefi/vcp-origin/origin"
	"github.com/richiefi/vcp-origin/proxy"
	"github.com/richiefi/vcp-origin/server"
	"github.com/richiefi/vcp-origin/testhelp"
)

type ServerHelper struct {
	Test   *testing.T
	Logger *apexlog.Logger
	// Origin serves the whole HTTP surface. Its sanitizing proxy goes through Cache.
	Origin *httptest.Server
	Cache  *fakeCache
}

type wireEvent struct {
	Tag  string            `json:"tag"`
	Args []json.RawMessage `json:"args"`
}

// setup starts an origin behind a fake cache, with the origin's proxy pointed at the cache
func setup(t *testing.T) *ServerHelper {
	logger := testhelp.NewLogger(t)
	sh := &ServerHelper{Test: t, Logger: logger}

	sh.Origin = httptest.NewUnstartedServer(nil)
	originURL, err := url.Parse("http://" + sh.Origin.Listener.Addr().String())
	require.Nil(t, err)

	sh.Cache = newFakeCache(originURL)
	cacheServer := httptest.NewServer(sh.Cache)
	t.Cleanup(cacheServer.Close)

	conf := &config.Config{
		UpstreamURL:     cacheServer.URL,
		StaticDir:       t.TempDir(),
		Retention:       time.Minute,
		SweepInterval:   time.Minute,
		MaxEventSize:    "100KB",
		ShutdownTimeout: time.Second,
	}
	upstream, err := conf.Upstream()
	require.Nil(t, err)

	store := interactions.NewStore(interactions.Options{Retention: conf.Retention, SweepInterval: conf.SweepInterval}, logger)
	t.Cleanup(func() { _ = store.Close() })

	handler, err := server.NewHandler(conf, server.Services{
		Store:     store,
		Simulator: origin.NewSimulator(store, logger, nil),
		Sanitiser: proxy.NewSanitiser(upstream, logger, nil),
	}, logger)
	require.Nil(t, err)

	sh.Origin.Config.Handler = handler
	sh.Origin.Start()
	t.Cleanup(sh.Origin.Close)
	return sh
}

func (sh *ServerHelper) readBody(resp *http.Response) []byte {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		sh.Test.Fatal("Error reading response body:", err)
	}
	return body
}

func (sh *ServerHelper) do(method string, path string, query url.Values, body io.Reader) *http.Response {
	urlstr := sh.Origin.URL + path
	if len(query) > 0 {
		urlstr += "?" + query.Encode()
	}
	req, err := http.NewRequest(method, urlstr, body)
	if err != nil {
		sh.Test.Fatal("Error creating request:", err)
	}
	reqdump, err := httputil.DumpRequestOut(req, false)
	if err != nil {
		sh.Test.Fatal("Error dumping request:", err)
	}
	sh.Test.Log("Sending request:", string(reqdump))
	resp, err := http.DefaultTransport.RoundTrip(req)
	if err != nil {
		sh.Test.Fatalf("Error requesting %s: %s", path, err.Error())
	}
	return resp
}

func (sh *ServerHelper) get(path string, query url.Values) (*http.Response, []byte) {
	resp := sh.do("GET", path, query, nil)
	return resp, sh.readBody(resp)
}

func (sh *ServerHelper) events(id string) []wireEvent {
	resp, body := sh.get("/interactions/"+id, nil)
	require.Equal(sh.Test, 200, resp.StatusCode)
	var events []wireEvent
	require.Nil(sh.Test, json.Unmarshal(body, &events))
	return events
}

func (sh *ServerHelper) tags(id string) []string {
	var tags []string
	for _, e := range sh.events(id) {
		tags = append(tags, e.Tag)
	}
	return tags
}

type cachedResponse struct {
	status int
	header http.Header
	body   []byte
}

// fakeCache is a tiny shared cache in the spirit of Varnish: it keys on the full request URI,
// stores 200 responses with a positive max-age and no Set-Cookie, and drops an entry on PURGE.
// Every response carries X-Cache: HIT or MISS.
type fakeCache struct {
	mu      sync.Mutex
	entries map[string]cachedResponse
	proxy   *httputil.ReverseProxy
	fetches int
}

func newFakeCache(origin *url.URL) *fakeCache {
	return &fakeCache{
		entries: make(map[string]cachedResponse),
		proxy:   httputil.NewSingleHostReverseProxy(origin),
	}
}

func (fc *fakeCache) Fetches() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.fetches
}

func (fc *fakeCache) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := r.URL.RequestURI()

	if r.Method == proxy.MethodPurge {
		fc.mu.Lock()
		delete(fc.entries, key)
		fc.mu.Unlock()
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Purged"))
		return
	}

	fc.mu.Lock()
	entry, found := fc.entries[key]
	fc.mu.Unlock()
	if found && r.Method == http.MethodGet {
		writeCached(w, entry, "HIT")
		return
	}

	rec := httptest.NewRecorder()
	fc.proxy.ServeHTTP(rec, r)
	entry = cachedResponse{status: rec.Code, header: rec.Header().Clone(), body: rec.Body.Bytes()}

	fc.mu.Lock()
	fc.fetches++
	if r.Method == http.MethodGet && cacheable(entry) {
		fc.entries[key] = entry
	}
	fc.mu.Unlock()

	writeCached(w, entry, "MISS")
}

func cacheable(entry cachedResponse) bool {
	if entry.status != http.StatusOK || len(entry.header.Values("Set-Cookie")) > 0 {
		return false
	}
	cc := strings.ToLower(entry.header.Get("Cache-Control"))
	if cc == "" || strings.Contains(cc, "no-store") || strings.Contains(cc, "private") {
		return false
	}
	return strings.Contains(cc, "max-age=") && !strings.Contains(cc, "max-age=0")
}

func writeCached(w http.ResponseWriter, entry cachedResponse, xcache string) {
	for hname, hvals := range entry.header {
		for _, hval := range hvals {
			w.Header().Add(hname, hval)
		}
	}
	w.Header().Set("X-Cache", xcache)
	w.WriteHeader(entry.status)
	w.Write(entry.body)
}
