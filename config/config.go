package config

import (
	"net/url"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/pkg/errors"
)

// Config is the server mode configuration structure
type Config struct {
	Port            int           `kong:"help='Port to use for HTTP',env='PORT',default='3000'"`
	UpstreamURL     string        `help:"Base URL of the cache in front of this origin. The sanitizing proxy sends its requests there." default:"http://varnish" env:"UPSTREAM_URL"`
	StaticDir       string        `help:"Document root of the test UI" default:"dist" env:"STATIC_DIR"`
	Retention       time.Duration `help:"How long a session's interactions are kept after its first event" default:"2m" env:"INTERACTION_RETENTION"`
	SweepInterval   time.Duration `help:"How often expired sessions are evicted" default:"1m" env:"SWEEP_INTERVAL"`
	MaxEventSize    string        `help:"Largest accepted custom event body, e.g. 100KB" default:"100KB" env:"MAX_EVENT_SIZE"`
	ShutdownTimeout time.Duration `help:"Grace period for in-flight requests on shutdown" default:"10s" env:"SHUTDOWN_TIMEOUT"`
	SentryDSN       string        `help:"Sentry DSN for reporting upstream failures" env:"SENTRY_DSN"`
}

// Upstream parses UpstreamURL
func (c *Config) Upstream() (*url.URL, error) {
	u, err := url.Parse(c.UpstreamURL)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing upstream URL %q", c.UpstreamURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("upstream URL %q must be http or https", c.UpstreamURL)
	}
	if u.Host == "" {
		return nil, errors.Errorf("upstream URL %q has no host", c.UpstreamURL)
	}
	return u, nil
}

// EventSizeLimit parses MaxEventSize
func (c *Config) EventSizeLimit() (datasize.ByteSize, error) {
	var v datasize.ByteSize
	if err := v.UnmarshalText([]byte(c.MaxEventSize)); err != nil {
		return 0, errors.Wrapf(err, "parsing max event size %q", c.MaxEventSize)
	}
	if v == 0 {
		return 0, errors.Errorf("max event size %q must be positive", c.MaxEventSize)
	}
	return v, nil
}

// Validate checks the values kong can't check by itself
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return errors.Errorf("port %d out of range", c.Port)
	}
	if _, err := c.Upstream(); err != nil {
		return err
	}
	if _, err := c.EventSizeLimit(); err != nil {
		return err
	}
	if c.Retention <= 0 {
		return errors.Errorf("retention %v must be positive", c.Retention)
	}
	if c.SweepInterval <= 0 {
		return errors.Errorf("sweep interval %v must be positive", c.SweepInterval)
	}
	return nil
}
