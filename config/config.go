package config

import (
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds every recognized engine option
type Config struct {
	// Database
	DatabasePath string

	// Margin thresholds
	MarginCallLevel  decimal.Decimal
	LiquidationLevel decimal.Decimal
	MaxLeverage      decimal.Decimal

	// Loop intervals
	ReconciliationInterval time.Duration
	LiquidationInterval    time.Duration
	SltpDrainInterval      time.Duration
	TriggerExecuteTimeout  time.Duration

	// Transaction coordinator
	TransactionTimeout    time.Duration
	TransactionMaxRetries int
	TransactionRetryBase  time.Duration

	// Replay / recovery
	ReplayBatchSize     int
	RecoveryMaxDuration time.Duration

	// Queue
	QueueCapacity int

	// Liquidation pricing
	MaxSlippage    decimal.Decimal
	LiquidationFee decimal.Decimal

	// Paper trading
	PaperMode           bool
	PaperSeed           int64
	PaperSlippageMaxBps int
	PaperLatencyMin     time.Duration
	PaperLatencyMax     time.Duration
	PaperPartialFills   bool
	PaperRejectionRate  float64

	// Bootstrap account (paper runs)
	InitialBalance decimal.Decimal

	// Metrics
	MetricsAddr string

	Debug bool
}

// Load reads the configuration from the environment with defaults
func Load() (*Config, error) {
	cfg := &Config{
		DatabasePath: getEnv("DATABASE_URL", "data/engine.db"),

		MarginCallLevel:  getEnvDecimal("MARGIN_CALL_LEVEL", 0.5),
		LiquidationLevel: getEnvDecimal("LIQUIDATION_LEVEL", 0.2),
		MaxLeverage:      getEnvDecimal("MAX_LEVERAGE", 100),

		ReconciliationInterval: getEnvDuration("RECONCILIATION_INTERVAL_MS", 10000*time.Millisecond),
		LiquidationInterval:    getEnvDuration("LIQUIDATION_INTERVAL_MS", 5000*time.Millisecond),
		SltpDrainInterval:      getEnvDuration("SLTP_DRAIN_INTERVAL_MS", 25*time.Millisecond),
		TriggerExecuteTimeout:  getEnvDuration("TRIGGER_EXECUTE_TIMEOUT_MS", 3000*time.Millisecond),

		TransactionTimeout:    getEnvDuration("TRANSACTION_TIMEOUT_MS", 5000*time.Millisecond),
		TransactionMaxRetries: getEnvInt("TRANSACTION_MAX_RETRIES", 3),
		TransactionRetryBase:  getEnvDuration("TRANSACTION_RETRY_BASE_MS", 100*time.Millisecond),

		ReplayBatchSize:     getEnvInt("REPLAY_BATCH_SIZE", 100),
		RecoveryMaxDuration: getEnvDuration("RECOVERY_MAX_DURATION_MS", 30000*time.Millisecond),

		QueueCapacity: getEnvInt("SLTP_QUEUE_CAPACITY", 2000),

		MaxSlippage:    getEnvDecimal("LIQUIDATION_MAX_SLIPPAGE", 0.01),
		LiquidationFee: getEnvDecimal("LIQUIDATION_FEE_RATE", 0.005),

		PaperMode:           getEnvBool("PAPER_MODE", true),
		PaperSeed:           int64(getEnvInt("PAPER_SEED", 1)),
		PaperSlippageMaxBps: getEnvInt("PAPER_SLIPPAGE_MAX_BPS", 10),
		PaperLatencyMin:     getEnvDuration("PAPER_LATENCY_MIN_MS", 5*time.Millisecond),
		PaperLatencyMax:     getEnvDuration("PAPER_LATENCY_MAX_MS", 50*time.Millisecond),
		PaperPartialFills:   getEnvBool("PAPER_PARTIAL_FILLS", false),
		PaperRejectionRate:  getEnvFloat("PAPER_REJECTION_RATE", 0),

		InitialBalance: getEnvDecimal("INITIAL_BALANCE", 10000),

		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),

		Debug: getEnvBool("DEBUG", false),
	}
	return cfg, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return fallback
}

func getEnvDecimal(key string, fallback float64) decimal.Decimal {
	if val := os.Getenv(key); val != "" {
		if d, err := decimal.NewFromString(val); err == nil {
			return d
		}
	}
	return decimal.NewFromFloat(fallback)
}

// getEnvDuration reads a millisecond count
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if ms, err := strconv.Atoi(val); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return fallback
}
