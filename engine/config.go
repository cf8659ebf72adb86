package engine

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/atelier/artifact"
	"github.com/hazyhaar/atelier/drift"
	"github.com/hazyhaar/atelier/genclient"
	"github.com/hazyhaar/atelier/history"
	"github.com/hazyhaar/atelier/observability"
	"github.com/hazyhaar/atelier/reqbuild"
)

// Config aggregates the engine's moving parts. Each section is the owning
// package's own Config so defaults stay in one place.
type Config struct {
	// DBPath is the SQLite file holding both the artifact store and the
	// version ledger. Default: "atelier.db".
	DBPath string `yaml:"db_path"`
	// RateInterval is the minimum spacing between generation calls across
	// the whole process. Default: 1s.
	RateInterval time.Duration `yaml:"rate_interval"`

	Client     genclient.Config `yaml:"client"`
	Builder    reqbuild.Config  `yaml:"builder"`
	Thresholds drift.Thresholds `yaml:"thresholds"`
}

// Defaults fills zero fields, recursing into each section.
func (c *Config) Defaults() {
	if c.DBPath == "" {
		c.DBPath = "atelier.db"
	}
	if c.RateInterval <= 0 {
		c.RateInterval = time.Second
	}
	c.Client.Defaults()
	c.Builder.Defaults()
	c.Thresholds.Defaults()
}

// LoadConfig reads a YAML config file. A missing path returns the defaults.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("engine: read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("engine: parse config: %w", err)
		}
	}
	cfg.Defaults()
	return cfg, nil
}

// Open wires a ready Engine from config: one SQLite database shared by the
// artifact store and the version ledger, the real HTTP generation client
// behind an interval limiter, and the drift gate. Close the returned Engine's
// store via CloseFunc when done.
func Open(cfg Config, prompt reqbuild.PromptFunc, opts ...Option) (*Engine, func() error, error) {
	cfg.Defaults()

	store, err := artifact.Open(cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}
	// The ledger and the event log share the store's database handle; apply
	// their schemas too.
	for _, schema := range []string{history.Schema, observability.Schema} {
		if _, err := store.DB().Exec(schema); err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("engine: apply schema: %w", err)
		}
	}
	ledger := history.NewLedger(store.DB())
	events := observability.NewEventLogger(store.DB())

	client := genclient.New(cfg.Client, genclient.NewIntervalLimiter(cfg.RateInterval))
	builder := reqbuild.New(cfg.Builder, prompt)
	gate := drift.New(cfg.Thresholds)

	e := New(store, ledger, builder, client, gate,
		append([]Option{WithEvents(events)}, opts...)...)
	return e, store.Close, nil
}
