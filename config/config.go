package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"fxTradeEngine/internal/adapters/logger" // Import the logger package for LogLevel
)

// Config holds all application configuration.
type Config struct {
	// Broker API
	APIKey    string
	SecretKey string
	IsTestnet bool

	// Instrument catalog
	CatalogPath string

	// Account / Risk Parameters
	AccountCurrency string
	RiskFraction    float64 // fraction of equity risked per trade (e.g. 0.02)
	MaxDailyTrades  int
	MaxDailyLoss    float64 // max realized loss per UTC day in account currency

	// Trade Parameters
	StopDistancePips float64
	TakeProfitPips   float64
	ProfitTargetPips float64
	MaxHold          time.Duration

	// Decision cycle
	Period        time.Duration
	PeriodLabel   string
	SignalAfter   time.Duration
	ArmedTTL      time.Duration
	MinConfidence float64
	HistorySize   int

	// Execution admission
	TokenTTL       time.Duration
	Cooldown       time.Duration
	PendingTimeout time.Duration

	// Supervision
	WatchdogWindow       time.Duration
	ReconcileInterval    time.Duration
	MaxReconcileFailures int
	MaxRateAge           time.Duration
	MaxBrokerFailures    int
	SignalTimeoutPerCall time.Duration

	// Signal service
	SignalServiceURL string

	// Database
	DBPath string

	// Logging
	LogLevel logger.LogLevel

	// Metrics
	MetricsAddr string

	// Connection Settings
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string // Collect validation errors

	// Broker API
	cfg.APIKey = getEnv("BROKER_API_KEY", "")
	cfg.SecretKey = getEnv("BROKER_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true) // Default to testnet for safety

	if cfg.APIKey == "" {
		errs = append(errs, "BROKER_API_KEY must be set")
	}
	if cfg.SecretKey == "" {
		errs = append(errs, "BROKER_API_SECRET must be set")
	}

	// Instrument catalog
	cfg.CatalogPath = getEnv("CATALOG_PATH", "./config/instruments.json")
	if cfg.CatalogPath == "" {
		errs = append(errs, "CATALOG_PATH must be set")
	}

	// Account / Risk
	cfg.AccountCurrency = getEnv("ACCOUNT_CURRENCY", "USD")
	if cfg.AccountCurrency == "" {
		errs = append(errs, "ACCOUNT_CURRENCY must be set")
	}

	cfg.RiskFraction, err = getEnvAsFloatRequired("RISK_FRACTION", 0.02)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid RISK_FRACTION: %v", err))
	} else if cfg.RiskFraction <= 0 || cfg.RiskFraction >= 1.0 {
		errs = append(errs, "RISK_FRACTION must be between 0.0 and 1.0 (exclusive)")
	}

	cfg.MaxDailyTrades, err = getEnvAsIntRequired("MAX_DAILY_TRADES", 5)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_DAILY_TRADES: %v", err))
	} else if cfg.MaxDailyTrades <= 0 {
		errs = append(errs, "MAX_DAILY_TRADES must be positive")
	}

	cfg.MaxDailyLoss, err = getEnvAsFloatRequired("MAX_DAILY_LOSS", 100.0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_DAILY_LOSS: %v", err))
	} else if cfg.MaxDailyLoss <= 0 {
		errs = append(errs, "MAX_DAILY_LOSS must be positive")
	}

	// Trade parameters
	cfg.StopDistancePips, err = getEnvAsFloatRequired("STOP_DISTANCE_PIPS", 10.0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid STOP_DISTANCE_PIPS: %v", err))
	} else if cfg.StopDistancePips <= 0 {
		errs = append(errs, "STOP_DISTANCE_PIPS must be positive")
	}

	cfg.TakeProfitPips, err = getEnvAsFloatRequired("TAKE_PROFIT_PIPS", 20.0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid TAKE_PROFIT_PIPS: %v", err))
	} else if cfg.TakeProfitPips <= 0 {
		errs = append(errs, "TAKE_PROFIT_PIPS must be positive")
	}

	cfg.ProfitTargetPips, err = getEnvAsFloatRequired("PROFIT_TARGET_PIPS", 12.0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid PROFIT_TARGET_PIPS: %v", err))
	} else if cfg.ProfitTargetPips <= 0 {
		errs = append(errs, "PROFIT_TARGET_PIPS must be positive")
	}

	maxHoldMinutes := getEnvAsInt("MAX_HOLD_MINUTES", 240)
	if maxHoldMinutes <= 0 {
		errs = append(errs, "MAX_HOLD_MINUTES must be positive")
	}
	cfg.MaxHold = time.Duration(maxHoldMinutes) * time.Minute

	// Decision cycle
	periodMinutes := getEnvAsInt("PERIOD_MINUTES", 15)
	if periodMinutes <= 0 {
		errs = append(errs, "PERIOD_MINUTES must be positive")
	}
	cfg.Period = time.Duration(periodMinutes) * time.Minute
	cfg.PeriodLabel = getEnv("PERIOD_LABEL", fmt.Sprintf("M%d", periodMinutes))

	signalAfterSeconds := getEnvAsInt("SIGNAL_AFTER_SECONDS", 600)
	cfg.SignalAfter = time.Duration(signalAfterSeconds) * time.Second
	if cfg.SignalAfter <= 0 || cfg.SignalAfter >= cfg.Period {
		errs = append(errs, "SIGNAL_AFTER_SECONDS must be positive and shorter than the period")
	}

	armedTTLSeconds := getEnvAsInt("ARMED_TTL_SECONDS", 300)
	if armedTTLSeconds <= 0 {
		errs = append(errs, "ARMED_TTL_SECONDS must be positive")
	}
	cfg.ArmedTTL = time.Duration(armedTTLSeconds) * time.Second

	cfg.MinConfidence, err = getEnvAsFloatRequired("MIN_CONFIDENCE", 0.6)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MIN_CONFIDENCE: %v", err))
	} else if cfg.MinConfidence < 0 || cfg.MinConfidence > 1.0 {
		errs = append(errs, "MIN_CONFIDENCE must be between 0.0 and 1.0")
	}

	cfg.HistorySize = getEnvAsInt("HISTORY_SIZE", 64)
	if cfg.HistorySize <= 0 {
		errs = append(errs, "HISTORY_SIZE must be positive")
	}

	// Execution admission
	tokenTTLSeconds := getEnvAsInt("TOKEN_TTL_SECONDS", 30)
	if tokenTTLSeconds <= 0 {
		errs = append(errs, "TOKEN_TTL_SECONDS must be positive")
	}
	cfg.TokenTTL = time.Duration(tokenTTLSeconds) * time.Second

	cooldownSeconds := getEnvAsInt("COOLDOWN_SECONDS", 60)
	if cooldownSeconds < 0 {
		errs = append(errs, "COOLDOWN_SECONDS cannot be negative")
	}
	cfg.Cooldown = time.Duration(cooldownSeconds) * time.Second

	pendingTimeoutSeconds := getEnvAsInt("PENDING_TIMEOUT_SECONDS", 120)
	if pendingTimeoutSeconds <= 0 {
		errs = append(errs, "PENDING_TIMEOUT_SECONDS must be positive")
	}
	cfg.PendingTimeout = time.Duration(pendingTimeoutSeconds) * time.Second

	// Supervision
	watchdogSeconds := getEnvAsInt("WATCHDOG_WINDOW_SECONDS", 90)
	if watchdogSeconds <= 0 {
		errs = append(errs, "WATCHDOG_WINDOW_SECONDS must be positive")
	}
	cfg.WatchdogWindow = time.Duration(watchdogSeconds) * time.Second

	reconcileSeconds := getEnvAsInt("RECONCILE_INTERVAL_SECONDS", 60)
	if reconcileSeconds <= 0 {
		errs = append(errs, "RECONCILE_INTERVAL_SECONDS must be positive")
	}
	cfg.ReconcileInterval = time.Duration(reconcileSeconds) * time.Second

	cfg.MaxReconcileFailures = getEnvAsInt("MAX_RECONCILE_FAILURES", 5)
	if cfg.MaxReconcileFailures <= 0 {
		errs = append(errs, "MAX_RECONCILE_FAILURES must be positive")
	}

	rateAgeSeconds := getEnvAsInt("MAX_RATE_AGE_SECONDS", 30)
	if rateAgeSeconds <= 0 {
		errs = append(errs, "MAX_RATE_AGE_SECONDS must be positive")
	}
	cfg.MaxRateAge = time.Duration(rateAgeSeconds) * time.Second

	cfg.MaxBrokerFailures = getEnvAsInt("MAX_BROKER_FAILURES", 3)
	if cfg.MaxBrokerFailures <= 0 {
		errs = append(errs, "MAX_BROKER_FAILURES must be positive")
	}

	signalTimeoutSeconds := getEnvAsInt("SIGNAL_TIMEOUT_SECONDS", 5)
	if signalTimeoutSeconds <= 0 {
		errs = append(errs, "SIGNAL_TIMEOUT_SECONDS must be positive")
	}
	cfg.SignalTimeoutPerCall = time.Duration(signalTimeoutSeconds) * time.Second

	// Signal service
	cfg.SignalServiceURL = getEnv("SIGNAL_SERVICE_URL", "")
	if cfg.SignalServiceURL == "" {
		errs = append(errs, "SIGNAL_SERVICE_URL must be set")
	}

	// Database
	cfg.DBPath = getEnv("DB_PATH", "./data/engine.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	// Logging
	logLevelStr := getEnv("LOG_LEVEL", "INFO")
	cfg.LogLevel = logger.ParseLevel(logLevelStr)

	// Metrics
	cfg.MetricsAddr = getEnv("METRICS_ADDR", ":9090")

	// Connection Settings
	reconnectDelaySeconds := getEnvAsInt("RECONNECT_DELAY_SECONDS", 5)
	if reconnectDelaySeconds <= 0 {
		errs = append(errs, "RECONNECT_DELAY_SECONDS must be positive")
	}
	cfg.ReconnectDelay = time.Duration(reconnectDelaySeconds) * time.Second

	cfg.MaxReconnectAttempts = getEnvAsInt("MAX_RECONNECT_ATTEMPTS", 10)
	if cfg.MaxReconnectAttempts < 0 {
		errs = append(errs, "MAX_RECONNECT_ATTEMPTS cannot be negative")
	}

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsIntRequired(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
