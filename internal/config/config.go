package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"arbiter/internal/model"
)

// Config stores all configuration for the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Logging   LoggingConfig
	Arbitrage ArbitrageConfig
	Ingest    IngestConfig
	Execution ExecutionConfig
	Database  DatabaseConfig
	Metrics   MetricsConfig
	Exchanges map[string]ExchangeConfig
}

// LoggingConfig defines log output settings.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// ArbitrageConfig defines the detection settings.
type ArbitrageConfig struct {
	Capital              float64       `mapstructure:"capital"`
	MinProfitPercent     float64       `mapstructure:"min_profit_percent"`
	DetectionInterval    time.Duration `mapstructure:"detection_interval"`
	MaxQuoteAge          time.Duration `mapstructure:"max_quote_age"`
	MaxCyclesPerVenue    int           `mapstructure:"max_cycles_per_venue"`
	MaxSaneProfitPercent float64       `mapstructure:"max_sane_profit_percent"`
}

// IngestConfig defines the market-data ingestion settings.
type IngestConfig struct {
	ReconnectDelay           time.Duration `mapstructure:"reconnect_delay"`
	HealthInterval           time.Duration `mapstructure:"health_interval"`
	MaxUpdateAge             time.Duration `mapstructure:"max_update_age"`
	SignificantChangePercent float64       `mapstructure:"significant_change_percent"`
	BroadcastInterval        time.Duration `mapstructure:"broadcast_interval"`
	PollInterval             time.Duration `mapstructure:"poll_interval"`
}

// ExecutionConfig defines the trade execution settings.
type ExecutionConfig struct {
	Mode        string        `mapstructure:"mode"` // "live" or "paper"
	CallTimeout time.Duration `mapstructure:"call_timeout"`
}

// DatabaseConfig defines the trade history database connection settings.
type DatabaseConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	DBName   string `mapstructure:"dbname"`
}

// DSN returns the postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", d.User, d.Password, d.Host, d.Port, d.DBName)
}

// MetricsConfig defines the Prometheus exposition settings.
type MetricsConfig struct {
	Enabled bool
	Addr    string
}

// PairConfig names one tradable pair on a venue.
type PairConfig struct {
	Base  string
	Quote string
}

// ExchangeConfig defines settings for a specific exchange.
type ExchangeConfig struct {
	Kind               string `mapstructure:"kind"` // "binance", "kraken", "paper"
	Enabled            bool
	TakerFeePercent    float64            `mapstructure:"taker_fee_percent"`
	MinNotional        float64            `mapstructure:"min_notional"`
	MinCapital         float64            `mapstructure:"min_capital"`
	MaxCapital         float64            `mapstructure:"max_capital"`
	Pairs              []PairConfig       `mapstructure:"pairs"`
	LotSteps           map[string]float64 `mapstructure:"lot_steps"`
	MinQuantities      map[string]float64 `mapstructure:"min_quantities"`
	DefaultLotStep     float64            `mapstructure:"default_lot_step"`
	DefaultMinQuantity float64            `mapstructure:"default_min_quantity"`
	PaperBalances      map[string]float64 `mapstructure:"paper_balances"`
}

// Profile builds the venue's static trading profile from its configuration.
func (e ExchangeConfig) Profile(venue string) model.VenueProfile {
	pairs := make([]model.AssetPair, 0, len(e.Pairs))
	for _, p := range e.Pairs {
		pairs = append(pairs, model.AssetPair{Base: p.Base, Quote: p.Quote})
	}
	return model.VenueProfile{
		Venue:              venue,
		FeeRate:            e.TakerFeePercent / 100,
		MinNotional:        e.MinNotional,
		MinCapital:         e.MinCapital,
		MaxCapital:         e.MaxCapital,
		Pairs:              pairs,
		LotSteps:           e.LotSteps,
		MinQuantities:      e.MinQuantities,
		DefaultLotStep:     e.DefaultLotStep,
		DefaultMinQuantity: e.DefaultMinQuantity,
	}
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	err = viper.ReadInConfig()
	if err != nil {
		return
	}

	err = viper.Unmarshal(&config)
	return
}

func setDefaults() {
	viper.SetDefault("logging.level", "info")

	viper.SetDefault("arbitrage.capital", 1000.0)
	viper.SetDefault("arbitrage.min_profit_percent", 0.0)
	viper.SetDefault("arbitrage.detection_interval", "1s")
	viper.SetDefault("arbitrage.max_quote_age", "30s")
	viper.SetDefault("arbitrage.max_cycles_per_venue", 20)
	viper.SetDefault("arbitrage.max_sane_profit_percent", 50.0)

	viper.SetDefault("ingest.reconnect_delay", "5s")
	viper.SetDefault("ingest.health_interval", "10s")
	viper.SetDefault("ingest.max_update_age", "30s")
	viper.SetDefault("ingest.significant_change_percent", 0.01)
	viper.SetDefault("ingest.broadcast_interval", "500ms")
	viper.SetDefault("ingest.poll_interval", "5s")

	viper.SetDefault("execution.mode", "paper")
	viper.SetDefault("execution.call_timeout", "10s")

	viper.SetDefault("metrics.enabled", false)
	viper.SetDefault("metrics.addr", ":9100")
}
