package proxy

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	apexlog "github.com/apex/log"
	"github.com/getsentry/sentry-go"
	"github.com/pkg/errors"

	"github.com/richiefi/vcp-origin/headercodec"
	"github.com/richiefi/vcp-origin/metrics"
	"github.com/richiefi/vcp-origin/usererror"
	"github.com/richiefi/vcp-origin/util"
)

const (
	// MethodPurge is the cache invalidation method understood by Varnish
	MethodPurge = "PURGE"

	// HeaderObservedSetCookie carries the upstream Set-Cookie values untouched
	HeaderObservedSetCookie = "X-VCP-Set-Cookie"

	headerSetCookie     = "Set-Cookie"
	headerContentLength = "Content-Length"

	failureMessage = "An error occurred while proxying the request."
)

// Result is the sanitized upstream response
type Result struct {
	// UpstreamStatus is what the cache answered. It is never sent to the client.
	UpstreamStatus int
	Header         http.Header
	Body           []byte
}

// Sanitiser forwards test client requests to the cache and keeps cache-set cookies out of the client
type Sanitiser interface {
	Forward(ctx context.Context, method string, id string, query url.Values) (*Result, error)
	Serve(w http.ResponseWriter, r *http.Request, id string, method string)
}

type requestPerformer interface {
	Do(req *http.Request) (resp *http.Response, err error)
	CloseIdleConnections()
}

type roundTripPerformer struct {
	roundTripper purgeableRoundTripper
}

// purgeableRoundTripper is a round tripper whose idle connections can be closed.
// Satisfied by *http.Transport.
type purgeableRoundTripper interface {
	http.RoundTripper
	CloseIdleConnections()
}

func (rp *roundTripPerformer) Do(req *http.Request) (*http.Response, error) {
	return rp.roundTripper.RoundTrip(req)
}

func (rp *roundTripPerformer) CloseIdleConnections() {
	rp.roundTripper.CloseIdleConnections()
}

type sanitiser struct {
	upstream         *url.URL
	logger           *apexlog.Logger
	metrics          *metrics.Metrics
	requestPerformer requestPerformer
	capture          func(error) *sentry.EventID
}

// NewSanitiser creates a Sanitiser talking to the cache at upstream
func NewSanitiser(upstream *url.URL, logger *apexlog.Logger, m *metrics.Metrics) Sanitiser {
	// DefaultTransport values. Redirects are not followed since we use the transport directly.
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConnsPerHost:   10,
	}

	return NewSanitiserWithPerformer(upstream, logger, m, &roundTripPerformer{roundTripper: transport})
}

// NewSanitiserWithPerformer is NewSanitiser with a specific requestPerformer
func NewSanitiserWithPerformer(upstream *url.URL, logger *apexlog.Logger, m *metrics.Metrics, performer requestPerformer) Sanitiser {
	return &sanitiser{
		upstream:         upstream,
		logger:           logger,
		metrics:          m,
		requestPerformer: performer,
		capture:          sentry.CaptureException,
	}
}

// Serve answers 200 with the sanitized upstream response whatever the upstream status was,
// so the browser running the test never sees a failed fetch. Transport failures are 500.
func (s *sanitiser) Serve(w http.ResponseWriter, r *http.Request, id string, method string) {
	res, err := s.Forward(r.Context(), method, id, r.URL.Query())
	if err != nil {
		usererror.Write(w, err)
		return
	}

	header := w.Header()
	for hname, hvals := range res.Header {
		for _, hval := range hvals {
			header.Add(hname, hval)
		}
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(res.Body); err != nil {
		s.logger.WithFields(apexlog.Fields{"func": "sanitiser.Serve", "id": id}).WithError(err).Info("Writing to client caused an error")
	}
}

func (s *sanitiser) Forward(ctx context.Context, method string, id string, query url.Values) (*Result, error) {
	target := s.targetURL(id, query)
	logctx := s.logger.WithFields(apexlog.Fields{"func": "sanitiser.Forward", "method": method, "target": target})
	logctx.Debug("Enter")

	header, skipped := headercodec.RequestHeader(query)
	if len(skipped) > 0 {
		logctx.WithField("skipped", skipped).Debug("Scripted headers not valid on the wire")
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), nil)
	if err != nil {
		logctx.WithError(err).Error("Error constructing upstream request")
		return nil, s.failure(method, target, errors.Wrap(err, "constructing upstream request"))
	}
	req.Header = header
	// Go sends req.Host, not a Host header
	if host := header.Get("Host"); host != "" {
		req.Host = host
	}

	start := time.Now()
	resp, err := s.requestPerformer.Do(req)
	if err != nil {
		s.requestPerformer.CloseIdleConnections()
		if errors.Is(err, context.Canceled) {
			logctx.WithError(err).Info("Client went away before upstream responded")
		} else {
			logctx.WithError(err).Error("Error performing upstream request")
		}
		return nil, s.failure(method, target, errors.Wrap(err, "performing upstream request"))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		logctx.WithError(err).Error("Error reading upstream response")
		return nil, s.failure(method, target, errors.Wrap(err, "reading upstream response"))
	}

	elapsed := time.Since(start)
	s.metrics.ObserveProxy(method, resp.StatusCode, elapsed)
	logctx.WithFields(apexlog.Fields{"status": resp.StatusCode, "duration": elapsed}).Debug("Upstream responded")

	return &Result{
		UpstreamStatus: resp.StatusCode,
		Header:         SanitiseHeader(resp.Header),
		Body:           body,
	}, nil
}

// failure builds the 500 answer. A cancelled client request is not an upstream fault
// and is neither counted nor reported.
func (s *sanitiser) failure(method string, target *url.URL, cause error) error {
	if !errors.Is(cause, context.Canceled) {
		s.metrics.IncProxyErrors(method)
		s.capture(cause)
	}
	return usererror.BuildError(usererror.Fields{"method": method, "target": target.String()}).
		WithCause(cause).
		CreateError(http.StatusInternalServerError, failureMessage)
}

// targetURL points at the tracked endpoint behind the cache. headers-to-send is consumed here
// and sent as real headers, every other query parameter passes through.
func (s *sanitiser) targetURL(id string, query url.Values) *url.URL {
	u := s.upstream.JoinPath("sanitised", "ids", url.PathEscape(id))
	forwarded := url.Values{}
	for k, vs := range query {
		if k == headercodec.QueryHeadersToSend {
			continue
		}
		forwarded[k] = append([]string(nil), vs...)
	}
	u.RawQuery = forwarded.Encode()
	u.Fragment = ""
	return u
}

// SanitiseHeader copies an upstream response header for the test client. Hop-by-hop headers
// are dropped and every Set-Cookie is expired, with the original kept in X-VCP-Set-Cookie.
func SanitiseHeader(upstream http.Header) http.Header {
	out := util.DenyHeaders(upstream, util.HopByHopHeaders)
	// The body is re-sent in full, the server computes its own length
	out.Del(headerContentLength)

	cookies := out.Values(headerSetCookie)
	if len(cookies) == 0 {
		return out
	}
	out.Del(headerSetCookie)
	for _, c := range cookies {
		out.Add(HeaderObservedSetCookie, c)
		out.Add(headerSetCookie, ExpireCookie(c))
	}
	return out
}

// ExpireCookie rewrites a Set-Cookie value so the client drops it immediately
func ExpireCookie(setCookie string) string {
	parts := strings.Split(setCookie, ";")
	var sb strings.Builder
	sb.WriteString(parts[0])
	for _, attr := range parts[1:] {
		name := attr
		if idx := strings.IndexByte(attr, '='); idx >= 0 {
			name = attr[:idx]
		}
		if strings.EqualFold(strings.TrimSpace(name), "max-age") {
			continue
		}
		sb.WriteByte(';')
		sb.WriteString(attr)
	}
	sb.WriteString("; max-age=0")
	return sb.String()
}
