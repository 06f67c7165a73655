// Package ops loads the node configuration: a JSON file decoded with sonic,
// overlaid by environment variables (optionally from a .env file).
package ops

import (
	stderrors "errors"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/joho/godotenv"
	"github.com/yanun0323/errors"

	"ordercore/internal/engine"
	"ordercore/internal/reconcile"
	"ordercore/internal/recorder"
	"ordercore/internal/risk"
	"ordercore/internal/schema"
	"ordercore/internal/store"
)

type Mode string

const (
	ModeBacktest Mode = "backtest"
	ModePaper    Mode = "paper"
	ModeLive     Mode = "live"
)

type StoreDriver string

const (
	StoreMemory   StoreDriver = "memory"
	StorePebble   StoreDriver = "pebble"
	StorePostgres StoreDriver = "postgres"
)

// Config mirrors the JSON config layout.
type Config struct {
	Node      NodeConfig           `json:"node"`
	Registry  RegistryConfig       `json:"registry"`
	Risk      risk.Config          `json:"risk"`
	Engine    engine.Config        `json:"engine"`
	Fees      engine.MakerTakerFee `json:"fees"`
	Store     StoreConfig          `json:"store"`
	Journal   JournalConfig        `json:"journal"`
	Reconcile reconcile.Config     `json:"reconcile"`
	Feed      FeedConfig           `json:"feed"`
	Chaos     ChaosConfig          `json:"chaos"`
}

type NodeConfig struct {
	TraderID   schema.TraderID   `json:"traderId"`
	StrategyID schema.StrategyID `json:"strategyId"`
	Mode       Mode              `json:"mode"`
	// QueueCapacity bounds the live bus.
	QueueCapacity   int  `json:"queueCapacity"`
	AllowDivergence bool `json:"allowDivergence"`
	// InflightInterval is how often live nodes check orders waiting on the venue.
	InflightInterval time.Duration `json:"inflightInterval"`
	PyroscopeAddr    string        `json:"pyroscopeAddr"`
}

// RegistryConfig defines venues and instruments.
type RegistryConfig struct {
	Venues      []VenueConfig      `json:"venues"`
	Instruments []InstrumentConfig `json:"instruments"`
}

type VenueConfig struct {
	Name string `json:"name"`
}

type InstrumentConfig struct {
	ID schema.InstrumentID `json:"id"`
	schema.InstrumentSpec
}

type StoreConfig struct {
	Driver   StoreDriver          `json:"driver"`
	Path     string               `json:"path"`
	Postgres store.PostgresOption `json:"postgres"`
}

// JournalConfig enables the WAL journal when Dir is set.
type JournalConfig struct {
	recorder.Config
	SnapshotPath string `json:"snapshotPath"`
}

func (c JournalConfig) Enabled() bool { return c.Dir != "" }

// FeedConfig drives the synthetic market data of paper runs and the replayed
// journal of backtests.
type FeedConfig struct {
	ReplayDir string          `json:"replayDir"`
	Speed     float64         `json:"speed"`
	Interval  time.Duration   `json:"interval"`
	Seed      int64           `json:"seed"`
	BasePrice schema.Price    `json:"basePrice"`
	BaseSize  schema.Quantity `json:"baseSize"`
	Spread    schema.Price    `json:"spread"`
}

type ChaosConfig struct {
	Seed          int64         `json:"seed"`
	DropRate      float64       `json:"dropRate"`
	DuplicateRate float64       `json:"duplicateRate"`
	ReorderWindow int           `json:"reorderWindow"`
	MaxDelay      time.Duration `json:"maxDelay"`
}

func (c ChaosConfig) Enabled() bool {
	return c.DropRate > 0 || c.DuplicateRate > 0 || c.ReorderWindow > 1 || c.MaxDelay > 0
}

// Load reads path, overlays the environment and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "read config").With("path", path)
	}
	return Parse(data)
}

// Parse decodes a JSON config over the engine and reconcile defaults,
// overlays the environment and validates it.
func Parse(data []byte) (Config, error) {
	cfg := Config{Engine: engine.DefaultConfig(), Reconcile: reconcile.DefaultConfig()}
	if err := sonic.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "decode config")
	}
	if err := cfg.overlayEnv(); err != nil {
		return Config{}, err
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadEnv loads a .env file into the process environment. A missing file is
// not an error.
func LoadEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
		return errors.Wrap(err, "load env").With("path", path)
	}
	return nil
}

func (c *Config) overlayEnv() error {
	if v := os.Getenv("ORDERCORE_MODE"); v != "" {
		c.Node.Mode = Mode(v)
	}
	if v := os.Getenv("ORDERCORE_TRADER_ID"); v != "" {
		c.Node.TraderID = schema.TraderID(v)
	}
	if v := os.Getenv("ORDERCORE_STORE_DRIVER"); v != "" {
		c.Store.Driver = StoreDriver(v)
	}
	if v := os.Getenv("ORDERCORE_STORE_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("ORDERCORE_POSTGRES_DSN"); v != "" {
		c.Store.Postgres.ConnString = v
	}
	if v := os.Getenv("ORDERCORE_POSTGRES_PASSWORD"); v != "" {
		c.Store.Postgres.Password = v
	}
	if v := os.Getenv("ORDERCORE_JOURNAL_DIR"); v != "" {
		c.Journal.Dir = v
	}
	if v := os.Getenv("PYROSCOPE_ADDR"); v != "" {
		c.Node.PyroscopeAddr = v
	}
	if v := os.Getenv("ORDERCORE_KILL_SWITCH"); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrap(err, "parse ORDERCORE_KILL_SWITCH").With("value", v)
		}
		c.Risk.KillSwitch = on
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Node.Mode == "" {
		c.Node.Mode = ModeBacktest
	}
	if c.Node.TraderID == "" {
		c.Node.TraderID = "TRADER-001"
	}
	if c.Node.StrategyID == "" {
		c.Node.StrategyID = "S-001"
	}
	if c.Node.QueueCapacity == 0 {
		c.Node.QueueCapacity = 4096
	}
	if c.Node.InflightInterval == 0 {
		c.Node.InflightInterval = time.Second
	}
	if c.Store.Driver == "" {
		c.Store.Driver = StoreMemory
	}

	if c.Engine.Venue == "" {
		c.Engine.Venue = "SIM"
	}
	if c.Reconcile.TraderID == "" {
		c.Reconcile.TraderID = c.Node.TraderID
	}

	if c.Journal.Enabled() {
		defaults := recorder.DefaultConfig(c.Journal.Dir)
		if c.Journal.SegmentMaxDuration == 0 {
			c.Journal.SegmentMaxDuration = defaults.SegmentMaxDuration
		}
		if c.Journal.FlushInterval == 0 {
			c.Journal.FlushInterval = defaults.FlushInterval
		}
		if c.Journal.SegmentMaxBytes == 0 {
			c.Journal.SegmentMaxBytes = defaults.SegmentMaxBytes
		}
		if c.Journal.QueueSize == 0 {
			c.Journal.QueueSize = defaults.QueueSize
		}
		if c.Journal.BufferSize == 0 {
			c.Journal.BufferSize = defaults.BufferSize
		}
		if c.Journal.FilePrefix == "" {
			c.Journal.FilePrefix = defaults.FilePrefix
		}
	}

	if c.Feed.Interval == 0 {
		c.Feed.Interval = 100 * time.Millisecond
	}
	if c.Feed.BaseSize == 0 {
		c.Feed.BaseSize = 1
	}
	if c.Chaos.ReorderWindow == 0 {
		c.Chaos.ReorderWindow = 1
	}
	return c
}

// Validate checks every section.
func (c Config) Validate() error {
	switch c.Node.Mode {
	case ModeBacktest, ModePaper, ModeLive:
	default:
		return errors.Errorf("invalid node config: unknown mode %q", c.Node.Mode)
	}
	if c.Node.QueueCapacity < 0 {
		return errors.New("invalid node config: queue capacity must be >= 0")
	}
	if len(c.Registry.Instruments) == 0 {
		return errors.New("invalid registry config: no instruments")
	}
	for _, inst := range c.Registry.Instruments {
		if inst.ID.Venue() == "" {
			return errors.Errorf("invalid registry config: instrument %q has no venue suffix", inst.ID)
		}
		if err := validateSpec(inst.InstrumentSpec); err != nil {
			return errors.Wrapf(err, "invalid registry config: instrument %s", inst.ID)
		}
	}
	if c.Risk.OrderRateLimit < 0 || c.Risk.OrderRateWindow < 0 || c.Risk.MaxPriceDeviationBps < 0 {
		return errors.New("invalid risk config: limits must be >= 0")
	}
	if c.Risk.OrderRateLimit > 0 && c.Risk.OrderRateWindow == 0 {
		return errors.New("invalid risk config: rate limit needs a window")
	}
	fm := c.Engine.FillModel
	if fm.ProbFillOnLimit < 0 || fm.ProbFillOnLimit > 1 || fm.ProbSlippage < 0 || fm.ProbSlippage > 1 {
		return errors.New("invalid engine config: fill probabilities must be between 0 and 1")
	}
	switch c.Store.Driver {
	case StoreMemory:
	case StorePebble:
		if c.Store.Path == "" {
			return errors.New("invalid store config: pebble needs a path")
		}
	case StorePostgres:
	default:
		return errors.Errorf("invalid store config: unknown driver %q", c.Store.Driver)
	}
	if c.Journal.Enabled() {
		if err := c.Journal.Config.Validate(); err != nil {
			return err
		}
	}
	if c.Reconcile.InflightThreshold < 0 || c.Reconcile.InflightMaxRetries < 0 {
		return errors.New("invalid reconcile config: inflight limits must be >= 0")
	}
	if c.Node.Mode == ModeBacktest && c.Feed.ReplayDir == "" {
		return errors.New("invalid feed config: backtest needs a replay dir")
	}
	if c.Node.Mode == ModePaper && c.Feed.BasePrice <= 0 {
		return errors.New("invalid feed config: paper needs a base price")
	}
	if c.Feed.Speed < 0 || c.Feed.Interval < 0 {
		return errors.New("invalid feed config: speed and interval must be >= 0")
	}
	if c.Chaos.DropRate < 0 || c.Chaos.DropRate > 1 || c.Chaos.DuplicateRate < 0 || c.Chaos.DuplicateRate > 1 {
		return errors.New("invalid chaos config: rates must be between 0 and 1")
	}
	if c.Chaos.ReorderWindow < 1 || c.Chaos.MaxDelay < 0 {
		return errors.New("invalid chaos config: reorder window must be >= 1 and max delay >= 0")
	}
	return nil
}

func validateSpec(spec schema.InstrumentSpec) error {
	s := spec.Scale
	if s.PriceScale < 0 || s.QuantityScale < 0 || s.NotionalScale < 0 || s.FeeScale < 0 {
		return errors.New("scale must be >= 0")
	}
	if spec.PriceIncrement < 0 || spec.SizeIncrement < 0 || spec.MinQuantity < 0 || spec.MaxQuantity < 0 {
		return errors.New("increments and limits must be >= 0")
	}
	if spec.MaxQuantity > 0 && spec.MinQuantity > spec.MaxQuantity {
		return errors.New("min quantity above max quantity")
	}
	return nil
}

// BuildRegistry registers every configured venue and instrument. Venues only
// named by an instrument suffix are added implicitly.
func (c Config) BuildRegistry() (*schema.Registry, error) {
	reg := schema.NewRegistry()
	for _, v := range c.Registry.Venues {
		if _, err := reg.AddVenue(v.Name); err != nil {
			return nil, err
		}
	}
	for _, inst := range c.Registry.Instruments {
		if _, ok := reg.VenueIDByName(inst.ID.Venue()); !ok {
			if _, err := reg.AddVenue(inst.ID.Venue()); err != nil {
				return nil, err
			}
		}
		if _, err := reg.AddInstrument(inst.ID, inst.InstrumentSpec); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
