package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Environment string `yaml:"environment" default:"development" validate:"oneof=development staging production test"`
	Log         struct {
		Level  string `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
		Format string `yaml:"format" default:"console" validate:"oneof=json console"`
		Output string `yaml:"output" default:"stdout"`
	} `yaml:"log"`
	Server struct {
		Port            int           `yaml:"port" default:"8080" validate:"gte=1,lte=65535"`
		ReadTimeout     time.Duration `yaml:"read_timeout" default:"30s"`
		WriteTimeout    time.Duration `yaml:"write_timeout" default:"5m"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"15s"`
		CORS            bool          `yaml:"cors" default:"true"`
		CORSOrigins     []string      `yaml:"cors_origins"`
	} `yaml:"server"`
	Metrics struct {
		Enabled bool   `yaml:"enabled" default:"true"`
		Path    string `yaml:"path" default:"/metrics"`
	} `yaml:"metrics"`
	Data struct {
		Provider          string `yaml:"provider" default:"yahoo" validate:"oneof=yahoo yahoo_native finnhub csv"`
		Interval          string `yaml:"interval" default:"1d" validate:"oneof=1d 1wk 1mo"`
		AllowUnacceptable bool   `yaml:"allow_unacceptable"`
		CSVDir            string `yaml:"csv_dir" default:"data"`
		Yahoo             struct {
			BaseURL    string        `yaml:"base_url" default:"https://query1.finance.yahoo.com/v8/finance/chart"`
			Timeout    time.Duration `yaml:"timeout" default:"15s"`
			AutoAdjust bool          `yaml:"auto_adjust" default:"true"`
		} `yaml:"yahoo"`
		Finnhub struct {
			APIKey  string        `yaml:"api_key"`
			BaseURL string        `yaml:"base_url" default:"https://finnhub.io/api/v1"`
			Timeout time.Duration `yaml:"timeout" default:"15s"`
		} `yaml:"finnhub"`
		Retry struct {
			Attempts   int           `yaml:"attempts" default:"3" validate:"gte=1,lte=10"`
			BackoffMin time.Duration `yaml:"backoff_min" default:"500ms"`
			BackoffMax time.Duration `yaml:"backoff_max" default:"8s"`
		} `yaml:"retry"`
	} `yaml:"data"`
	Cache struct {
		Backend       string        `yaml:"backend" default:"sqlite" validate:"oneof=memory redis layered sqlite clickhouse"`
		MinCoverage   float64       `yaml:"min_coverage" default:"0.90" validate:"gt=0,lte=1"`
		TTL           time.Duration `yaml:"ttl"`
		SQLitePath    string        `yaml:"sqlite_path" default:"cache/bars.db"`
		MemoryMaxSize int           `yaml:"memory_max_size" default:"512" validate:"gte=1"`
		MemoryTTL     time.Duration `yaml:"memory_ttl" default:"10m"`
		Redis         struct {
			Host     string `yaml:"host" default:"localhost"`
			Port     int    `yaml:"port" default:"6379"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			PoolSize int    `yaml:"pool_size" default:"10"`
			Prefix   string `yaml:"prefix" default:"finbacktest"`
		} `yaml:"redis"`
	} `yaml:"cache"`
	Validation struct {
		ZScore          float64 `yaml:"z_score" default:"3" validate:"gt=0"`
		Window          int     `yaml:"window" default:"60" validate:"gte=2"`
		MinSamples      int     `yaml:"min_samples" default:"20" validate:"gte=2"`
		SplitLower      float64 `yaml:"split_lower" default:"0.5" validate:"gt=0,lt=1"`
		SplitUpper      float64 `yaml:"split_upper" default:"2.0" validate:"gt=1"`
		MaxMissingRatio float64 `yaml:"max_missing_ratio" default:"0.10" validate:"gt=0,lte=1"`
	} `yaml:"validation"`
	Backtest struct {
		ModelType           string             `yaml:"model_type" default:"ensemble" validate:"oneof=finbert lstm ensemble"`
		InitialCapital      float64            `yaml:"initial_capital" default:"10000" validate:"gt=0"`
		ConfidenceThreshold float64            `yaml:"confidence_threshold" default:"0.65" validate:"gte=0,lte=1"`
		LookbackDays        int                `yaml:"lookback_days" default:"60" validate:"gte=2"`
		Frequency           string             `yaml:"frequency" default:"daily" validate:"oneof=daily weekly monthly"`
		CommissionPct       float64            `yaml:"commission_pct" default:"0.001" validate:"gte=0,lte=0.1"`
		SlippagePct         float64            `yaml:"slippage_pct" default:"0.0005" validate:"gte=0,lte=0.1"`
		PositionSizeMin     float64            `yaml:"position_size_min" default:"0.05" validate:"gt=0,lte=1"`
		PositionSizeMax     float64            `yaml:"position_size_max" default:"0.20" validate:"gt=0,lte=1"`
		StopLossPct         float64            `yaml:"stop_loss_pct" default:"0.03" validate:"gte=0,lte=1"`
		TakeProfitPct       float64            `yaml:"take_profit_pct" default:"0.10" validate:"gte=0"`
		EmbargoDays         int                `yaml:"embargo_days" validate:"gte=0"`
		AllowShort          bool               `yaml:"allow_short"`
		EnsembleWeights     map[string]float64 `yaml:"ensemble_weights"`
	} `yaml:"backtest"`
	Model struct {
		URL     string        `yaml:"url"`
		Timeout time.Duration `yaml:"timeout" default:"10s"`
	} `yaml:"model"`
	Optimizer struct {
		Method          string  `yaml:"method" default:"grid" validate:"oneof=grid random"`
		TrainRatio      float64 `yaml:"train_ratio" default:"0.75" validate:"gt=0,lt=1"`
		Samples         int     `yaml:"samples" default:"20" validate:"gte=1"`
		Workers         int     `yaml:"workers" default:"4" validate:"gte=1,lte=64"`
		Seed            int64   `yaml:"seed" default:"42"`
		MaxCombinations int     `yaml:"max_combinations" default:"200" validate:"gte=1"`
	} `yaml:"optimizer"`
	Portfolio struct {
		Symbols            []string           `yaml:"symbols"`
		AllocationStrategy string             `yaml:"allocation_strategy" default:"equal" validate:"oneof=equal risk_parity custom"`
		CustomWeights      map[string]float64 `yaml:"custom_weights"`
		RebalanceFrequency string             `yaml:"rebalance_frequency" default:"monthly" validate:"oneof=never weekly monthly quarterly"`
		LoadWorkers        int                `yaml:"load_workers" default:"4" validate:"gte=1,lte=32"`
	} `yaml:"portfolio"`
	Export struct {
		Dir string `yaml:"dir" default:"results"`
	} `yaml:"export"`
	Kafka struct {
		Enabled      bool     `yaml:"enabled"`
		Brokers      []string `yaml:"brokers"`
		RequiredAcks int      `yaml:"required_acks" default:"-1" validate:"oneof=-1 0 1"`
		Compression  string   `yaml:"compression" default:"gzip" validate:"oneof=gzip snappy lz4 zstd"`
		Topics       struct {
			Jobs     string `yaml:"jobs" default:"backtest.jobs"`
			Results  string `yaml:"results" default:"backtest.results"`
			Progress string `yaml:"progress" default:"backtest.progress"`
		} `yaml:"topics"`
		Producer struct {
			MaxAttempts  int           `yaml:"max_attempts" default:"3"`
			Linger       time.Duration `yaml:"linger" default:"50ms"`
			BatchSize    int           `yaml:"batch_size" default:"10"`
			WriteTimeout time.Duration `yaml:"write_timeout" default:"10s"`
			ReadTimeout  time.Duration `yaml:"read_timeout" default:"10s"`
		} `yaml:"producer"`
		Consumer struct {
			GroupID    string        `yaml:"group_id" default:"finbacktest"`
			Workers    int           `yaml:"workers" default:"2" validate:"gte=1"`
			BufferSize int           `yaml:"buffer_size" default:"4"`
			RetryMax   int           `yaml:"retry_max" default:"2"`
			BackoffMin time.Duration `yaml:"backoff_min" default:"1s"`
			BackoffMax time.Duration `yaml:"backoff_max" default:"30s"`
			DLQTopic   string        `yaml:"dlq_topic" default:"backtest.jobs.dlq"`
		} `yaml:"consumer"`
	} `yaml:"kafka"`
	ClickHouse struct {
		Enabled          bool          `yaml:"enabled"`
		StoreResults     bool          `yaml:"store_results"`
		Host             string        `yaml:"host" default:"localhost"`
		Port             int           `yaml:"port" default:"9000"`
		Database         string        `yaml:"database" default:"finbacktest"`
		User             string        `yaml:"user" default:"default"`
		Password         string        `yaml:"password"`
		UseHTTP          bool          `yaml:"use_http"`
		AsyncInsert      bool          `yaml:"async_insert"`
		WaitForAsync     bool          `yaml:"wait_for_async_insert"`
		DialTimeout      time.Duration `yaml:"dial_timeout" default:"5s"`
		ReadTimeout      time.Duration `yaml:"read_timeout" default:"30s"`
		MaxExecutionTime time.Duration `yaml:"max_execution_time" default:"60s"`
	} `yaml:"clickhouse"`
}

var validate = validator.New()

// Default returns a config populated only from struct defaults.
func Default() (*Config, error) {
	var c Config
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("config defaults: %w", err)
	}
	return &c, nil
}

// Load reads and parses a YAML configuration file. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	c, err := Parse(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(r io.Reader) (*Config, error) {
	c, err := Default()
	if err != nil {
		return nil, err
	}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

// LoadWithEnv loads config from YAML (or defaults when path is empty) and overrides with
// environment variables. A .env file in the working directory is read first when present.
func LoadWithEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	var (
		c   *Config
		err error
	)
	if path == "" {
		c, err = Default()
	} else {
		c, err = Load(path)
	}
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("DATA_PROVIDER"); v != "" {
		c.Data.Provider = v
	}
	if v := os.Getenv("FINNHUB_API_KEY"); v != "" {
		c.Data.Finnhub.APIKey = v
	}
	if v := os.Getenv("MODEL_URL"); v != "" {
		c.Model.URL = v
	}
	if v := os.Getenv("CACHE_BACKEND"); v != "" {
		c.Cache.Backend = v
	}
	if v := os.Getenv("REDIS_HOST"); v != "" {
		c.Cache.Redis.Host = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Cache.Redis.Password = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
		c.Kafka.Enabled = true
	}
	if v := os.Getenv("CLICKHOUSE_HOST"); v != "" {
		c.ClickHouse.Host = v
	}
	if v := os.Getenv("CLICKHOUSE_PASSWORD"); v != "" {
		c.ClickHouse.Password = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("SERVER_PORT: %w", err)
		}
		c.Server.Port = port
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

// Validate checks struct tags and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Backtest.PositionSizeMax < c.Backtest.PositionSizeMin {
		return fmt.Errorf("backtest.position_size_max must be >= position_size_min")
	}
	if c.Validation.MinSamples > c.Validation.Window {
		return fmt.Errorf("validation.min_samples must be <= validation.window")
	}
	if c.Data.Provider == "finnhub" && c.Data.Finnhub.APIKey == "" {
		return fmt.Errorf("data.finnhub.api_key is required for the finnhub provider")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers cannot be empty when kafka is enabled")
	}
	if c.Cache.Backend == "clickhouse" || c.ClickHouse.StoreResults {
		if !c.ClickHouse.Enabled {
			return fmt.Errorf("clickhouse.enabled is required by cache.backend=clickhouse or clickhouse.store_results")
		}
	}
	if c.Portfolio.AllocationStrategy == "custom" {
		sum := 0.0
		for _, w := range c.Portfolio.CustomWeights {
			sum += w
		}
		if len(c.Portfolio.CustomWeights) == 0 || math.Abs(sum-1) > 1e-6 {
			return fmt.Errorf("portfolio.custom_weights must sum to 1, got %g", sum)
		}
	}
	return nil
}
