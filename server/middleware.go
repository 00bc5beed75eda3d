package server

import (
	"net/http"
	"time"

	apexlog "github.com/apex/log"
	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5/middleware"
	uuid "github.com/satori/go.uuid"

	"github.com/richiefi/vcp-origin/util"
)

const headerRequestID = "X-Request-Id"

// requestLogger writes one access log line per request. Responses are not
// decorated: anything added here would end up in the cache under test.
func requestLogger(logger *apexlog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get(headerRequestID)
			if reqID == "" {
				reqID = uuid.NewV4().String()
			}

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			logger.WithFields(apexlog.Fields{
				"requestID": reqID,
				"method":    r.Method,
				"url":       r.URL.String(),
				"status":    status,
				"bytes":     ww.BytesWritten(),
				"duration":  time.Since(start).String(),
				"ip":        util.RequestIP(r),
			}).Info("Request")
		})
	}
}

// reportPanics sends handler panics to Sentry and re-panics for middleware.Recoverer
func reportPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				if rvr != http.ErrAbortHandler {
					sentry.CurrentHub().Recover(rvr)
				}
				panic(rvr)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
