package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	apexlog "github.com/apex/log"
	apexlogjson "github.com/apex/log/handlers/json"
	apexlogtext "github.com/apex/log/handlers/text"
	"github.com/getsentry/sentry-go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/richiefi/vcp-origin/config"
	"github.com/richiefi/vcp-origin/headercodec"
	"github.com/richiefi/vcp-origin/interactions"
	"github.com/richiefi/vcp-origin/metrics"
	"github.com/richiefi/vcp-origin/origin"
	"github.com/richiefi/vcp-origin/proxy"
	"github.com/richiefi/vcp-origin/server"
	"github.com/richiefi/vcp-origin/yamlconfig"
)

// StartCmd is the server mode configuration structure
type StartCmd config.Config

type encodeHeaderCmd struct {
	Header string `arg:"" help:"Header line as NAME:VALUE"`
}

type decodeHeaderCmd struct {
	Encoded string `arg:"" help:"Base64 encoded header line"`
}

var cli struct {
	Debug        bool            `help:"Debug mode: colorful, non-JSON logging" env:"VCP_ORIGIN_DEBUG"`
	Start        StartCmd        `kong:"cmd,help='Start the origin',default='1'"`
	EncodeHeader encodeHeaderCmd `kong:"cmd,help='Encode a header for headers-to-send or headers-to-return'"`
	DecodeHeader decodeHeaderCmd `kong:"cmd,help='Decode a scripted header'"`
}

type cliContext struct {
	Debug bool
	Out   io.Writer
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("vcp-origin"),
		kong.Description("Scriptable origin for testing a caching proxy"),
		kong.Configuration(yamlconfig.Loader, "/etc/vcp-origin/config.yaml", "~/.vcp-origin.yaml"))
	err := ctx.Run(&cliContext{Debug: cli.Debug, Out: os.Stdout})
	ctx.FatalIfErrorf(err)
}

// Run starts the server and blocks until SIGINT or SIGTERM
func (s *StartCmd) Run(cctx *cliContext) error {
	c := config.Config(*s)
	if err := c.Validate(); err != nil {
		return err
	}

	logger := createLogger(cctx.Debug)

	if c.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: c.SentryDSN}); err != nil {
			return errors.Wrap(err, "initializing Sentry")
		}
		defer sentry.Flush(2 * time.Second)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return run(ctx, &c, logger)
}

func run(ctx context.Context, c *config.Config, logger *apexlog.Logger) error {
	upstream, err := c.Upstream()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)

	store := interactions.NewStore(interactions.Options{
		Retention:     c.Retention,
		SweepInterval: c.SweepInterval,
		Metrics:       m,
	}, logger)
	defer store.Close()

	handler, err := server.NewHandler(c, server.Services{
		Store:     store,
		Simulator: origin.NewSimulator(store, logger, m),
		Sanitiser: proxy.NewSanitiser(upstream, logger, m),
		Metrics:   m,
		Gatherer:  reg,
	}, logger)
	if err != nil {
		return err
	}

	logger.WithFields(apexlog.Fields{
		"upstream":  upstream.String(),
		"static":    c.StaticDir,
		"retention": c.Retention,
	}).Info("Starting origin")
	return server.Run(ctx, c, handler, logger)
}

func (e *encodeHeaderCmd) Run(cctx *cliContext) error {
	idx := strings.Index(e.Header, ":")
	if idx <= 0 {
		return errors.Errorf("header %q is not NAME:VALUE", e.Header)
	}
	name := strings.TrimSpace(e.Header[:idx])
	value := strings.TrimSpace(e.Header[idx+1:])
	_, err := fmt.Fprintln(cctx.Out, headercodec.Encode(name, value))
	return err
}

func (d *decodeHeaderCmd) Run(cctx *cliContext) error {
	hdr := headercodec.DecodeLine(d.Encoded)
	if hdr.Name == "" && hdr.Value == "" {
		return errors.Errorf("%q does not decode to a header", d.Encoded)
	}
	_, err := fmt.Fprintf(cctx.Out, "%s: %s\n", hdr.Name, hdr.Value)
	return err
}

func createLogger(debug bool) *apexlog.Logger {
	if debug {
		return &apexlog.Logger{
			Handler: apexlogtext.New(os.Stderr),
			Level:   apexlog.DebugLevel,
		}
	}
	return &apexlog.Logger{
		Handler: apexlogjson.New(os.Stderr),
		Level:   apexlog.InfoLevel,
	}
}
