// Package config loads engine configuration from file, environment and
// defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full engine configuration. Values come from an optional
// YAML file, ENGINE_-prefixed environment variables and the defaults
// below, in increasing order of precedence for the first two.
type Config struct {
	Exchange     string        `mapstructure:"exchange"`
	Pair         string        `mapstructure:"pair"`
	PeriodLength time.Duration `mapstructure:"period_length"`

	Stops    StopConfig     `mapstructure:"stops"`
	Signals  SignalConfig   `mapstructure:"signals"`
	Order    OrderConfig    `mapstructure:"order"`
	State    StateConfig    `mapstructure:"state"`
	Recovery RecoveryConfig `mapstructure:"recovery"`
	Server   ServerConfig   `mapstructure:"server"`
	Feed     FeedConfig     `mapstructure:"feed"`
}

// StopConfig holds the risk-control exit parameters. Percentages are in
// percent units: a SellStopPct of 1 places the stop 1% below entry.
type StopConfig struct {
	SellStopPct         float64 `mapstructure:"sell_stop_pct"`
	BuyStopPct          float64 `mapstructure:"buy_stop_pct"`
	ProfitStopEnablePct float64 `mapstructure:"profit_stop_enable_pct"`
	ProfitStopPct       float64 `mapstructure:"profit_stop_pct"`
	DoSellStop          bool    `mapstructure:"do_sell_stop"`
	DoBuyStop           bool    `mapstructure:"do_buy_stop"`
	Reverse             bool    `mapstructure:"reverse"`
}

// SignalConfig holds arbitration parameters.
type SignalConfig struct {
	BuyThreshold  float64       `mapstructure:"buy_threshold"`
	SellThreshold float64       `mapstructure:"sell_threshold"`
	Persistence   int           `mapstructure:"persistence"`
	GuardTimeout  time.Duration `mapstructure:"guard_timeout"`
}

// OrderConfig holds execution parameters.
type OrderConfig struct {
	Size             float64       `mapstructure:"size"`
	ExecuteTimeout   time.Duration `mapstructure:"execute_timeout"`
	CancelTimeout    time.Duration `mapstructure:"cancel_timeout"`
	PaperSlippagePct float64       `mapstructure:"paper_slippage_pct"`
	PaperFeePct      float64       `mapstructure:"paper_fee_pct"`
}

// StateConfig holds snapshot persistence parameters.
type StateConfig struct {
	Backend      string        `mapstructure:"backend"` // "file" or "badger"
	Dir          string        `mapstructure:"dir"`
	SaveInterval time.Duration `mapstructure:"save_interval"`
}

// RecoveryConfig holds health supervision parameters.
type RecoveryConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	Window           time.Duration `mapstructure:"window"`
	WarningThreshold int           `mapstructure:"warning_threshold"`
	ErrorThreshold   int           `mapstructure:"error_threshold"`
	AutoRecover      bool          `mapstructure:"auto_recover"`
}

// ServerConfig holds the status API parameters.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// FeedConfig holds the tick feed parameters.
type FeedConfig struct {
	URL              string        `mapstructure:"url"`
	ReconnectBackoff time.Duration `mapstructure:"reconnect_backoff"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Exchange:     "binance",
		Pair:         "BTC-USDT",
		PeriodLength: time.Minute,
		Stops: StopConfig{
			SellStopPct:         3,
			BuyStopPct:          3,
			ProfitStopEnablePct: 1,
			ProfitStopPct:       1,
			DoSellStop:          true,
			DoBuyStop:           true,
		},
		Signals: SignalConfig{
			BuyThreshold:  0.5,
			SellThreshold: 0.5,
			Persistence:   1,
			GuardTimeout:  5 * time.Second,
		},
		Order: OrderConfig{
			Size:             1,
			ExecuteTimeout:   10 * time.Second,
			CancelTimeout:    5 * time.Second,
			PaperSlippagePct: 0.05,
			PaperFeePct:      0.1,
		},
		State: StateConfig{
			Backend:      "file",
			Dir:          "./data",
			SaveInterval: 30 * time.Second,
		},
		Recovery: RecoveryConfig{
			Interval:         10 * time.Second,
			Window:           time.Hour,
			WarningThreshold: 3,
			ErrorThreshold:   3,
			AutoRecover:      true,
		},
		Server: ServerConfig{
			Host:         "localhost",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Feed: FeedConfig{
			ReconnectBackoff: time.Second,
			MaxBackoff:       30 * time.Second,
		},
	}
}

// Load reads configuration from the given path (optional) with environment
// overrides. Passing an empty path loads defaults plus environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Pair == "" {
		return fmt.Errorf("pair is required")
	}
	if c.PeriodLength <= 0 {
		return fmt.Errorf("period_length must be positive, got %s", c.PeriodLength)
	}
	if c.Signals.Persistence < 1 {
		return fmt.Errorf("signals.persistence must be >= 1, got %d", c.Signals.Persistence)
	}
	if c.Signals.GuardTimeout <= 0 {
		return fmt.Errorf("signals.guard_timeout must be positive, got %s", c.Signals.GuardTimeout)
	}
	if c.Stops.SellStopPct < 0 || c.Stops.BuyStopPct < 0 {
		return fmt.Errorf("stop percentages must not be negative")
	}
	switch c.State.Backend {
	case "file", "badger":
	default:
		return fmt.Errorf("state.backend must be file or badger, got %q", c.State.Backend)
	}
	return nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("exchange", d.Exchange)
	v.SetDefault("pair", d.Pair)
	v.SetDefault("period_length", d.PeriodLength)

	v.SetDefault("stops.sell_stop_pct", d.Stops.SellStopPct)
	v.SetDefault("stops.buy_stop_pct", d.Stops.BuyStopPct)
	v.SetDefault("stops.profit_stop_enable_pct", d.Stops.ProfitStopEnablePct)
	v.SetDefault("stops.profit_stop_pct", d.Stops.ProfitStopPct)
	v.SetDefault("stops.do_sell_stop", d.Stops.DoSellStop)
	v.SetDefault("stops.do_buy_stop", d.Stops.DoBuyStop)
	v.SetDefault("stops.reverse", d.Stops.Reverse)

	v.SetDefault("signals.buy_threshold", d.Signals.BuyThreshold)
	v.SetDefault("signals.sell_threshold", d.Signals.SellThreshold)
	v.SetDefault("signals.persistence", d.Signals.Persistence)
	v.SetDefault("signals.guard_timeout", d.Signals.GuardTimeout)

	v.SetDefault("order.size", d.Order.Size)
	v.SetDefault("order.execute_timeout", d.Order.ExecuteTimeout)
	v.SetDefault("order.cancel_timeout", d.Order.CancelTimeout)
	v.SetDefault("order.paper_slippage_pct", d.Order.PaperSlippagePct)
	v.SetDefault("order.paper_fee_pct", d.Order.PaperFeePct)

	v.SetDefault("state.backend", d.State.Backend)
	v.SetDefault("state.dir", d.State.Dir)
	v.SetDefault("state.save_interval", d.State.SaveInterval)

	v.SetDefault("recovery.interval", d.Recovery.Interval)
	v.SetDefault("recovery.window", d.Recovery.Window)
	v.SetDefault("recovery.warning_threshold", d.Recovery.WarningThreshold)
	v.SetDefault("recovery.error_threshold", d.Recovery.ErrorThreshold)
	v.SetDefault("recovery.auto_recover", d.Recovery.AutoRecover)

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)

	v.SetDefault("feed.url", d.Feed.URL)
	v.SetDefault("feed.reconnect_backoff", d.Feed.ReconnectBackoff)
	v.SetDefault("feed.max_backoff", d.Feed.MaxBackoff)
}

// StateKey returns the blob-store key for this exchange+pair.
func (c *Config) StateKey() string {
	return fmt.Sprintf("%s:%s", c.Exchange, c.Pair)
}
