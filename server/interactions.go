package server

import (
	"encoding/json"
	"io"
	"net/http"

	apexlog "github.com/apex/log"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"

	"github.com/richiefi/vcp-origin/interactions"
	"github.com/richiefi/vcp-origin/metrics"
	"github.com/richiefi/vcp-origin/usererror"
)

const (
	headerCacheControl = "Cache-Control"
	headerContentType  = "Content-Type"
	contentTypeJSON    = "application/json; charset=utf-8"
	noStore            = "no-store"
)

func showStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(headerCacheControl, noStore)
	w.Header().Set(headerContentType, contentTypeJSON)
	w.Write([]byte(`{"status":"ok"}`))
}

func readInteractions(store *interactions.Store, logger *apexlog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		b, err := json.Marshal(store.Read(id))
		if err != nil {
			logger.WithFields(apexlog.Fields{"func": "server.readInteractions", "id": id}).WithError(err).Error("Encoding interactions failed")
			usererror.Write(w, err)
			return
		}
		w.Header().Set(headerCacheControl, noStore)
		w.Header().Set(headerContentType, contentTypeJSON)
		w.Write(b)
	}
}

func addInteraction(store *interactions.Store, m *metrics.Metrics, limit int64, logger *apexlog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		logctx := logger.WithFields(apexlog.Fields{"func": "server.addInteraction", "id": id})

		raw, err := readEvent(w, r, limit)
		if err != nil {
			logctx.WithError(err).Info("Rejected custom event")
			usererror.Write(w, err)
			return
		}

		store.Append(id, interactions.Custom{Raw: raw})
		m.IncCustomEvents()
		w.WriteHeader(http.StatusOK)
	}
}

// readEvent returns the body as a JSON value. An empty body counts as an empty object.
func readEvent(w http.ResponseWriter, r *http.Request, limit int64) (json.RawMessage, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, usererror.CreateError(http.StatusRequestEntityTooLarge, "Event too large")
		}
		return nil, usererror.BuildError(nil).WithCause(err).CreateError(http.StatusBadRequest, "Couldn't read request body")
	}
	if len(body) == 0 {
		return json.RawMessage("{}"), nil
	}
	if !json.Valid(body) {
		return nil, usererror.CreateError(http.StatusBadRequest, "Event is not valid JSON")
	}
	return json.RawMessage(body), nil
}
