// Package config loads the environment-provided configuration shared by all
// pulse subcommands.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultDBHost            = "localhost"
	defaultDBPort            = "5432"
	defaultDBName            = "pulse"
	defaultDBUser            = "pulse"
	defaultAcledBaseURL      = "https://api.acleddata.com/acled/read"
	defaultGdeltBaseURL      = "http://data.gdeltproject.org/gdeltv2"
	defaultCameoMinRoot      = 14
	defaultRefreshTick       = 15 * time.Minute
	defaultAdapterTimeout    = 10 * time.Minute
	defaultViewTimeout       = 5 * time.Minute
	defaultBatchSize         = 5000
	defaultWindowDays        = 90
	defaultMaxPendingWindows = 8
	defaultMetricsAddr       = ":9477"
)

// RiskWeights are the (ACLED, GDELT, structural) contributions to total_risk.
// They must sum to 1.
type RiskWeights struct {
	Acled      float64
	Gdelt      float64
	Structural float64
}

func (w RiskWeights) Validate() error {
	for _, v := range []float64{w.Acled, w.Gdelt, w.Structural} {
		if v < 0 || v > 1 || math.IsNaN(v) {
			return fmt.Errorf("risk weight %v out of range [0,1]", v)
		}
	}
	if sum := w.Acled + w.Gdelt + w.Structural; math.Abs(sum-1) > 1e-9 {
		return fmt.Errorf("risk weights must sum to 1, got %v", sum)
	}
	return nil
}

// ParseRiskWeights parses a "0.5,0.3,0.2" triple.
func ParseRiskWeights(s string) (RiskWeights, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return RiskWeights{}, fmt.Errorf("expected three comma-separated weights, got %q", s)
	}
	vals := make([]float64, 3)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return RiskWeights{}, fmt.Errorf("invalid risk weight %q: %w", p, err)
		}
		vals[i] = v
	}
	w := RiskWeights{Acled: vals[0], Gdelt: vals[1], Structural: vals[2]}
	if err := w.Validate(); err != nil {
		return RiskWeights{}, err
	}
	return w, nil
}

type Config struct {
	DBHost     string
	DBPort     string
	DBName     string
	DBUser     string
	DBPassword string

	AcledAPIKey  string
	AcledEmail   string
	AcledBaseURL string
	AcledDropDir string

	GdeltBaseURL      string
	GdeltCameoMinRoot int

	RiskWeights RiskWeights

	RefreshTick    time.Duration
	AdapterTimeout time.Duration
	ViewTimeout    time.Duration

	BatchSize         int
	WindowDays        int
	MaxPendingWindows int

	MetricsAddr     string
	SlackWebhookURL string
	Hostname        string
}

// Load reads configuration from the environment. A .env file in the working
// directory is merged in first when present.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		DBHost:       getenv("DB_HOST", defaultDBHost),
		DBPort:       getenv("DB_PORT", defaultDBPort),
		DBName:       getenv("DB_NAME", defaultDBName),
		DBUser:       getenv("DB_USER", defaultDBUser),
		DBPassword:   os.Getenv("DB_PASSWORD"),
		AcledAPIKey:  os.Getenv("ACLED_API_KEY"),
		AcledEmail:   os.Getenv("ACLED_EMAIL"),
		AcledBaseURL: getenv("ACLED_BASE_URL", defaultAcledBaseURL),
		AcledDropDir: getenv("ACLED_DROP_DIR", "raw"),
		GdeltBaseURL: getenv("GDELT_BASE_URL", defaultGdeltBaseURL),

		MetricsAddr:     getenv("METRICS_ADDR", defaultMetricsAddr),
		SlackWebhookURL: os.Getenv("SLACK_WEBHOOK_URL"),
	}

	var err error
	if cfg.GdeltCameoMinRoot, err = getenvInt("GDELT_CAMEO_MIN_ROOT", defaultCameoMinRoot); err != nil {
		return Config{}, err
	}
	if cfg.BatchSize, err = getenvInt("BATCH_SIZE", defaultBatchSize); err != nil {
		return Config{}, err
	}
	if cfg.WindowDays, err = getenvInt("WINDOW_DAYS", defaultWindowDays); err != nil {
		return Config{}, err
	}
	if cfg.MaxPendingWindows, err = getenvInt("MAX_PENDING_WINDOWS", defaultMaxPendingWindows); err != nil {
		return Config{}, err
	}
	if cfg.RefreshTick, err = getenvSeconds("REFRESH_TICK_SECONDS", defaultRefreshTick); err != nil {
		return Config{}, err
	}
	if cfg.AdapterTimeout, err = getenvSeconds("ADAPTER_TIMEOUT_SECONDS", defaultAdapterTimeout); err != nil {
		return Config{}, err
	}
	if cfg.ViewTimeout, err = getenvSeconds("VIEW_TIMEOUT_SECONDS", defaultViewTimeout); err != nil {
		return Config{}, err
	}

	weights := getenv("RISK_WEIGHTS", "0.5,0.3,0.2")
	if cfg.RiskWeights, err = ParseRiskWeights(weights); err != nil {
		return Config{}, fmt.Errorf("invalid RISK_WEIGHTS: %w", err)
	}

	cfg.Hostname, _ = os.Hostname()

	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	if c.DBHost == "" || c.DBPort == "" || c.DBName == "" || c.DBUser == "" {
		return errors.New("database connection settings are required")
	}
	if c.GdeltCameoMinRoot < 1 || c.GdeltCameoMinRoot > 20 {
		return fmt.Errorf("GDELT_CAMEO_MIN_ROOT must be a CAMEO root code (1-20), got %d", c.GdeltCameoMinRoot)
	}
	if c.BatchSize <= 0 {
		return errors.New("batch size must be > 0")
	}
	if c.WindowDays <= 0 {
		return errors.New("window days must be > 0")
	}
	if c.RefreshTick <= 0 || c.AdapterTimeout <= 0 || c.ViewTimeout <= 0 {
		return errors.New("tick and timeout durations must be > 0")
	}
	return c.RiskWeights.Validate()
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
	return i, nil
}

func getenvSeconds(key string, def time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0, fmt.Errorf("invalid %s=%q: expected positive integer seconds", key, v)
	}
	return time.Duration(secs) * time.Second, nil
}
