package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/shopspring/decimal"
)

type Config struct {
	Port          string
	AllowedOrigin string
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	LedgerID              string
	LedgerCacheTTL        time.Duration
	InitialCapital        decimal.Decimal
	Currency              string
	WholesaleUnitsPerPack int
	LedgerMaxRetries      int
	WithdrawalTTL         time.Duration

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string

	AuthSecret            string
	AccessTokenTTLMinutes int
	ManagerPIN            string
	LogLevel              string
}

// Policy is the optional TOML file named by POLICY_FILE. Environment
// variables win over anything set here.
type Policy struct {
	Ledger LedgerPolicy `toml:"ledger"`
}

type LedgerPolicy struct {
	ID                    string `toml:"id"`
	InitialCapital        string `toml:"initial_capital"`
	Currency              string `toml:"currency"`
	WholesaleUnitsPerPack int    `toml:"wholesale_units_per_pack"`
	MaxRetries            int    `toml:"max_retries"`
	WithdrawalTTLSeconds  int    `toml:"withdrawal_ttl_seconds"`
	CacheTTLSeconds       int    `toml:"cache_ttl_seconds"`
}

func defaultPolicy() Policy {
	return Policy{Ledger: LedgerPolicy{
		ID:                    "capital-ledger",
		InitialCapital:        "200000",
		Currency:              "IDR",
		WholesaleUnitsPerPack: 20,
		MaxRetries:            5,
		WithdrawalTTLSeconds:  300,
		CacheTTLSeconds:       30,
	}}
}

// Load reads .env (when present), then POLICY_FILE, then the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	policy, err := loadPolicy(os.Getenv("POLICY_FILE"))
	if err != nil {
		return Config{}, err
	}
	lp := policy.Ledger

	capital, err := decimal.NewFromString(getEnv("INITIAL_CAPITAL", lp.InitialCapital))
	if err != nil {
		return Config{}, fmt.Errorf("INITIAL_CAPITAL: %w", err)
	}
	if capital.IsNegative() {
		return Config{}, fmt.Errorf("INITIAL_CAPITAL must not be negative")
	}

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	tokenTTL := positiveInt("ACCESS_TOKEN_TTL_MINUTES", 480)

	cfg := Config{
		Port:          getEnv("PORT", "8080"),
		AllowedOrigin: getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       redisDB,

		LedgerID:              getEnv("LEDGER_ID", lp.ID),
		LedgerCacheTTL:        time.Duration(positiveInt("LEDGER_CACHE_TTL_SECONDS", lp.CacheTTLSeconds)) * time.Second,
		InitialCapital:        capital,
		Currency:              strings.ToUpper(getEnv("CURRENCY", lp.Currency)),
		WholesaleUnitsPerPack: positiveInt("WHOLESALE_UNITS_PER_PACK", lp.WholesaleUnitsPerPack),
		LedgerMaxRetries:      positiveInt("LEDGER_MAX_RETRIES", lp.MaxRetries),
		WithdrawalTTL:         time.Duration(positiveInt("WITHDRAWAL_TTL_SECONDS", lp.WithdrawalTTLSeconds)) * time.Second,

		KafkaBrokers: splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "tokoledger.ledger-events"),
		KafkaGroupID: getEnv("KAFKA_GROUP_ID", "tokoledger-ledger"),

		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: tokenTTL,
		ManagerPIN:            strings.TrimSpace(os.Getenv("MANAGER_PIN")),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
	}

	return cfg, nil
}

func loadPolicy(path string) (Policy, error) {
	policy := defaultPolicy()
	if strings.TrimSpace(path) == "" {
		return policy, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy file %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &policy); err != nil {
		return Policy{}, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	return policy, nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

// positiveInt falls back on unset, malformed and non-positive values.
func positiveInt(key string, fallback int) int {
	n, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || n < 1 {
		return fallback
	}
	return n
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
