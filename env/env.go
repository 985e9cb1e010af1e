// Package env loads the browser connection settings from the environment.
package env

import (
	"fmt"
	"strings"
	"time"

	"github.com/mstoykov/envconfig"
	"github.com/sirupsen/logrus"
	"gopkg.in/guregu/null.v3"

	"github.com/grafana/cdpcore/common"
	"github.com/grafana/cdpcore/log"
)

// LookupFunc defines a function to look up a key from the environment.
type LookupFunc func(key string) (string, bool)

// WSURLs returns the CDP WS URLs set through the CDP_WS_URL environment
// variable, and whether it is set at all.
//
// CDP_WS_URL can be defined as a single WS URL or a comma separated list
// of URLs.
func WSURLs(envLookup LookupFunc) ([]string, bool) {
	wsURL, ok := envLookup("CDP_WS_URL")
	if !ok {
		return nil, false
	}
	if !strings.ContainsRune(wsURL, ',') {
		return []string{wsURL}, ok
	}

	// If last parts element is a void string,
	// because WS URL contained an ending comma,
	// remove it
	parts := strings.Split(wsURL, ",")
	if parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}

	return parts, ok
}

// Config is the environment configuration of a browser connection.
// Unset values keep the defaults of common.NewBrowserOptions.
type Config struct {
	WSURL             null.String `json:"wsURL,omitempty" envconfig:"CDP_WS_URL"`
	Timeout           null.String `json:"timeout,omitempty" envconfig:"CDP_TIMEOUT"`
	CallTimeout       null.String `json:"callTimeout,omitempty" envconfig:"CDP_CALL_TIMEOUT"`
	Backend           null.String `json:"backend,omitempty" envconfig:"CDP_BACKEND"`
	Debug             null.Bool   `json:"debug,omitempty" envconfig:"CDP_DEBUG"`
	LogCategoryFilter null.String `json:"logCategoryFilter,omitempty" envconfig:"CDP_LOG_CATEGORY_FILTER"`
	MaxMessageSize    null.Int    `json:"maxMessageSize,omitempty" envconfig:"CDP_MAX_MESSAGE_SIZE"`
	AutoAttach        null.Bool   `json:"autoAttach,omitempty" envconfig:"CDP_AUTO_ATTACH"`

	// Launch settings.
	ExecutablePath null.String `json:"executablePath,omitempty" envconfig:"CDP_EXECUTABLE_PATH"`
	Headless       null.Bool   `json:"headless,omitempty" envconfig:"CDP_HEADLESS"`
	Pipe           null.Bool   `json:"pipe,omitempty" envconfig:"CDP_PIPE"`
}

// NewConfig returns a config with the default values, none of them set.
func NewConfig() Config {
	return Config{
		Timeout:    null.NewString(common.DefaultTimeout.String(), false),
		Backend:    null.NewString(string(common.BackendChromium), false),
		AutoAttach: null.NewBool(true, false),
		Headless:   null.NewBool(true, false),
		Pipe:       null.NewBool(true, false),
	}
}

// Load reads the configuration from the environment.
func Load(envLookup LookupFunc) (Config, error) {
	var c Config
	if err := envconfig.Process("", &c, envLookup); err != nil {
		return c, fmt.Errorf("reading environment: %w", err)
	}
	return c, nil
}

// Apply applies the valid values of cfg to the receiver.
func (c Config) Apply(cfg Config) Config {
	if cfg.WSURL.Valid {
		c.WSURL = cfg.WSURL
	}
	if cfg.Timeout.Valid {
		c.Timeout = cfg.Timeout
	}
	if cfg.CallTimeout.Valid {
		c.CallTimeout = cfg.CallTimeout
	}
	if cfg.Backend.Valid {
		c.Backend = cfg.Backend
	}
	if cfg.Debug.Valid {
		c.Debug = cfg.Debug
	}
	if cfg.LogCategoryFilter.Valid {
		c.LogCategoryFilter = cfg.LogCategoryFilter
	}
	if cfg.MaxMessageSize.Valid && cfg.MaxMessageSize.Int64 > 0 {
		c.MaxMessageSize = cfg.MaxMessageSize
	}
	if cfg.AutoAttach.Valid {
		c.AutoAttach = cfg.AutoAttach
	}
	if cfg.ExecutablePath.Valid {
		c.ExecutablePath = cfg.ExecutablePath
	}
	if cfg.Headless.Valid {
		c.Headless = cfg.Headless
	}
	if cfg.Pipe.Valid {
		c.Pipe = cfg.Pipe
	}
	return c
}

// Logger returns a logger writing to base that logs every message when
// debug is set and only the categories matching the category filter.
func (c Config) Logger(base *logrus.Logger) (*log.Logger, error) {
	filter := ""
	if c.LogCategoryFilter.Valid {
		filter = c.LogCategoryFilter.String
	}
	logger, err := log.NewWithFilter(base, c.Debug.Valid && c.Debug.Bool, filter)
	if err != nil {
		return nil, fmt.Errorf("CDP_LOG_CATEGORY_FILTER: %w", err)
	}
	return logger, nil
}

// Options returns the browser options the config describes. The logger
// is used as is; build it with Logger to honor the log settings.
func (c Config) Options(logger *log.Logger) (*common.BrowserOptions, error) {
	opts := common.NewBrowserOptions()
	opts.Logger = logger

	var err error
	if c.Timeout.Valid {
		if opts.Timeout, err = parseDuration("CDP_TIMEOUT", c.Timeout.String); err != nil {
			return nil, err
		}
	}
	if c.CallTimeout.Valid {
		if opts.CallTimeout, err = parseDuration("CDP_CALL_TIMEOUT", c.CallTimeout.String); err != nil {
			return nil, err
		}
	}
	if c.Backend.Valid {
		if opts.Backend, err = common.ParseBackend(c.Backend.String); err != nil {
			return nil, fmt.Errorf("CDP_BACKEND: %w", err)
		}
	}
	if c.MaxMessageSize.Valid {
		opts.MaxMessageSize = c.MaxMessageSize.Int64
	}
	if c.AutoAttach.Valid {
		opts.AutoAttach = c.AutoAttach.Bool
	}

	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

func parseDuration(name, s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: must not be negative: %s", name, s)
	}
	return d, nil
}
