package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	apexlog "github.com/apex/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/richiefi/vcp-origin/config"
	"github.com/richiefi/vcp-origin/interactions"
	"github.com/richiefi/vcp-origin/metrics"
	"github.com/richiefi/vcp-origin/origin"
	"github.com/richiefi/vcp-origin/proxy"
)

func init() {
	chi.RegisterMethod(proxy.MethodPurge)
}

// Services are the components the HTTP surface dispatches to
type Services struct {
	Store     *interactions.Store
	Simulator *origin.Simulator
	Sanitiser proxy.Sanitiser
	Metrics   *metrics.Metrics
	// Gatherer backs /internal/metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

// Run serves handler on the configured port until ctx is done, then shuts down
// gracefully. Delayed responses in flight are allowed to finish within the shutdown timeout.
func Run(ctx context.Context, conf *config.Config, handler http.Handler, logger *apexlog.Logger) error {
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(conf.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("port", conf.Port).Info("Starting listener")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "serving HTTP")
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down listener")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), conf.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// NewHandler builds the router for the whole HTTP surface
func NewHandler(conf *config.Config, svc Services, logger *apexlog.Logger) (http.Handler, error) {
	limit, err := conf.EventSizeLimit()
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(reportPanics)

	r.Get("/internal/status", showStatus)
	if svc.Gatherer != nil {
		r.Method(http.MethodGet, "/internal/metrics", promhttp.HandlerFor(svc.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Get(origin.TrackedPrefix+"/ids/{id}", func(w http.ResponseWriter, r *http.Request) {
		svc.Simulator.Respond(w, r, chi.URLParam(r, "id"))
	})

	r.Get("/ids/{id}", func(w http.ResponseWriter, r *http.Request) {
		svc.Sanitiser.Serve(w, r, chi.URLParam(r, "id"), http.MethodGet)
	})
	purge := func(w http.ResponseWriter, r *http.Request) {
		svc.Sanitiser.Serve(w, r, chi.URLParam(r, "id"), proxy.MethodPurge)
	}
	r.Post("/purge/ids/{id}", purge)
	r.MethodFunc(proxy.MethodPurge, "/purge/ids/{id}", purge)

	r.Get("/interactions/{id}", readInteractions(svc.Store, logger))
	r.Post("/interactions/{id}/new", addInteraction(svc.Store, svc.Metrics, int64(limit.Bytes()), logger))

	static := newStaticHandler(conf.StaticDir, logger)
	r.Get("/", static.serveRoot)
	r.Head("/", static.serveRoot)
	r.NotFound(static.ServeHTTP)

	return r, nil
}
