package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/chainsniper/dex"
	"github.com/web3guy0/chainsniper/types"
)

// Config holds all configuration for the sniper
type Config struct {
	// Chain
	RPCURLs        []string
	WSURL          string
	RelayURL       string
	RelayAuthKey   string
	ChainID        uint64
	RPCTimeout     time.Duration
	FailoverErrors int

	// Wallets
	WalletKeys []string

	// DEX
	WETH     common.Address
	DEXes    []dex.DEX
	LPLocker []common.Address

	// Gas
	MaxFeeGwei      uint64
	MinPriorityGwei uint64

	// Risk
	BaseUSD          decimal.Decimal // USD per base ether
	MinLiquidityUSD  decimal.Decimal
	MaxOwnerPct      decimal.Decimal
	SimAmountWei     decimal.Decimal
	SimulatorAddress common.Address
	RiskCacheTTL     time.Duration
	ReserveDriftPct  decimal.Decimal

	// Circuit breaker
	MaxConsecutiveFailures int
	MaxDailyLossETH        decimal.Decimal
	BreakerCooldown        time.Duration

	// Monitor
	MaxLookbackBlocks uint64
	Workers           int
	QueueSize         int
	BusPolicy         string

	// Whales
	WhaleWallets []common.Address
	WhaleMinETH  decimal.Decimal

	// Execution
	OrderTimeout            time.Duration
	ReceiptTimeout          time.Duration
	PositionMonitorInterval time.Duration

	// Integrations
	DatabasePath    string
	TelegramToken   string
	TelegramChatID  int64
	TelegramVerbose bool
	RedisURL        string
	GoPlusURL       string
	GoPlusAPIKey    string
	MetricsAddr     string
	StrategiesFile  string

	// Mode
	DryRun bool
	Debug  bool
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		// Chain
		RPCURLs:        getEnvList("RPC_URLS"),
		WSURL:          os.Getenv("WS_URL"),
		RelayURL:       getEnv("RELAY_URL", "https://relay.flashbots.net"),
		RelayAuthKey:   os.Getenv("RELAY_AUTH_KEY"),
		ChainID:        uint64(getEnvInt("CHAIN_ID", 1)),
		RPCTimeout:     getEnvDuration("RPC_TIMEOUT", 5*time.Second),
		FailoverErrors: getEnvInt("FAILOVER_ERRORS", 3),

		WalletKeys: getEnvList("WALLET_PRIVATE_KEYS"),

		// Gas
		MaxFeeGwei:      uint64(getEnvInt("MAX_FEE_GWEI", 500)),
		MinPriorityGwei: uint64(getEnvInt("MIN_PRIORITY_GWEI", 1)),

		// Risk
		BaseUSD:         getEnvDecimal("BASE_USD_PRICE", decimal.NewFromInt(2500)),
		MinLiquidityUSD: getEnvDecimal("RISK_MIN_LIQUIDITY_USD", decimal.NewFromInt(5000)),
		MaxOwnerPct:     getEnvDecimal("RISK_MAX_OWNER_PCT", decimal.NewFromFloat(0.5)),
		SimAmountWei:    getEnvDecimal("RISK_SIM_WEI", decimal.NewFromInt(1e16)),
		RiskCacheTTL:    getEnvDuration("RISK_CACHE_TTL", 30*time.Second),
		ReserveDriftPct: getEnvDecimal("RESERVE_DRIFT_PCT", decimal.NewFromFloat(0.10)),

		MaxConsecutiveFailures: getEnvInt("MAX_CONSECUTIVE_FAILURES", 5),
		MaxDailyLossETH:        getEnvDecimal("MAX_DAILY_LOSS_ETH", decimal.NewFromInt(1)),
		BreakerCooldown:        getEnvDuration("BREAKER_COOLDOWN", 30*time.Minute),

		// Monitor
		MaxLookbackBlocks: uint64(getEnvInt("MAX_LOOKBACK_BLOCKS", 1000)),
		Workers:           getEnvInt("WORKERS", 16),
		QueueSize:         getEnvInt("QUEUE_SIZE", 4096),
		BusPolicy:         getEnv("BUS_POLICY", "drop_oldest"),

		WhaleMinETH: getEnvDecimal("WHALE_MIN_ETH", decimal.NewFromFloat(0.1)),

		// Execution
		OrderTimeout:            getEnvDuration("ORDER_TIMEOUT", 2*time.Minute),
		ReceiptTimeout:          getEnvDuration("RECEIPT_TIMEOUT", 30*time.Second),
		PositionMonitorInterval: time.Duration(getEnvInt("POSITION_MONITOR_MS", 2000)) * time.Millisecond,

		// Integrations
		DatabasePath:    getEnv("DATABASE_PATH", "data/sniper.db"),
		TelegramToken:   os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramVerbose: getEnvBool("TELEGRAM_VERBOSE", false),
		RedisURL:        os.Getenv("REDIS_URL"),
		GoPlusURL:       getEnv("GOPLUS_URL", "https://api.gopluslabs.io"),
		GoPlusAPIKey:    os.Getenv("GOPLUS_API_KEY"),
		MetricsAddr:     os.Getenv("METRICS_ADDR"),
		StrategiesFile:  os.Getenv("STRATEGIES_FILE"),

		DryRun: getEnvBool("DRY_RUN", true),
		Debug:  getEnvBool("DEBUG", false),
	}

	// Parse chat ID
	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	var err error
	if cfg.WETH, err = getEnvAddress("WETH_ADDRESS", dex.MainnetWETH); err != nil {
		return nil, err
	}
	if cfg.SimulatorAddress, err = getEnvAddress("SIMULATOR_ADDRESS", common.Address{}); err != nil {
		return nil, err
	}
	if cfg.LPLocker, err = getEnvAddresses("LP_LOCKERS"); err != nil {
		return nil, err
	}
	if cfg.WhaleWallets, err = getEnvAddresses("WHALE_WALLETS"); err != nil {
		return nil, err
	}
	if cfg.DEXes, err = loadDEXes(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and ranges
func (c *Config) Validate() error {
	switch {
	case len(c.RPCURLs) == 0:
		return &types.ConfigError{Field: "RPC_URLS", Reason: "at least one endpoint is required"}
	case len(c.WalletKeys) == 0 && !c.DryRun:
		return &types.ConfigError{Field: "WALLET_PRIVATE_KEYS", Reason: "required unless DRY_RUN"}
	case c.ChainID == 0:
		return &types.ConfigError{Field: "CHAIN_ID", Reason: "must be positive"}
	case c.Workers <= 0:
		return &types.ConfigError{Field: "WORKERS", Reason: "must be positive"}
	case c.QueueSize <= 0:
		return &types.ConfigError{Field: "QUEUE_SIZE", Reason: "must be positive"}
	case c.MinPriorityGwei > c.MaxFeeGwei:
		return &types.ConfigError{Field: "MIN_PRIORITY_GWEI", Reason: "exceeds MAX_FEE_GWEI"}
	case c.ReserveDriftPct.IsNegative() || c.ReserveDriftPct.GreaterThan(decimal.NewFromInt(1)):
		return &types.ConfigError{Field: "RESERVE_DRIFT_PCT", Reason: "must be within [0, 1]"}
	case len(c.DEXes) == 0:
		return &types.ConfigError{Field: "DEX_ENABLED", Reason: "no dex configured"}
	}
	if c.TelegramToken != "" && c.TelegramChatID == 0 {
		return &types.ConfigError{Field: "TELEGRAM_CHAT_ID", Reason: "required with TELEGRAM_BOT_TOKEN"}
	}
	return nil
}

// TelegramEnabled reports whether the bot should start
func (c *Config) TelegramEnabled() bool {
	return c.TelegramToken != "" && c.TelegramChatID != 0
}

// loadDEXes resolves DEX_ENABLED built-ins plus DEX_CUSTOM entries of the
// form name:router:factory:initcodehash separated by ';'
func loadDEXes() ([]dex.DEX, error) {
	builtin := map[string]dex.DEX{
		dex.UniswapV2.Name: dex.UniswapV2,
		dex.SushiSwap.Name: dex.SushiSwap,
	}

	var out []dex.DEX
	for _, name := range strings.Split(getEnv("DEX_ENABLED", "uniswap_v2,sushiswap"), ",") {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		d, ok := builtin[name]
		if !ok {
			return nil, &types.ConfigError{Field: "DEX_ENABLED", Reason: "unknown dex " + name}
		}
		out = append(out, d)
	}

	for _, entry := range strings.Split(os.Getenv("DEX_CUSTOM"), ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 4 || parts[0] == "" ||
			!common.IsHexAddress(parts[1]) || !common.IsHexAddress(parts[2]) {
			return nil, &types.ConfigError{Field: "DEX_CUSTOM", Reason: "want name:router:factory:initcodehash"}
		}
		out = append(out, dex.DEX{
			Name:         strings.ToLower(parts[0]),
			Router:       common.HexToAddress(parts[1]),
			Factory:      common.HexToAddress(parts[2]),
			InitCodeHash: common.HexToHash(parts[3]),
		})
	}
	return out, nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnvAddress(key string, defaultValue common.Address) (common.Address, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue, nil
	}
	if !common.IsHexAddress(value) {
		return common.Address{}, &types.ConfigError{Field: key, Reason: "not a hex address"}
	}
	return common.HexToAddress(value), nil
}

func getEnvAddresses(key string) ([]common.Address, error) {
	var out []common.Address
	for _, v := range getEnvList(key) {
		if !common.IsHexAddress(v) {
			return nil, &types.ConfigError{Field: key, Reason: "not a hex address: " + v}
		}
		out = append(out, common.HexToAddress(v))
	}
	return out, nil
}
