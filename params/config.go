package params

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type HTTP struct {
	Addr           string
	AllowedOrigins []string
	RateBurst      int
	RatePerSecond  int
	MaxBodyBytes   int64
}

type Auth struct {
	// JWTSecret signs and verifies session bearer tokens (HS256).
	JWTSecret string
	TokenTTL  time.Duration
}

type Chain struct {
	// RPCURL is the ledger JSON-RPC endpoint; empty selects the
	// in-process stub for development runs.
	RPCURL           string
	ConfirmThreshold uint64
	// MaxAttempts bounds how many reconcile passes a transaction gets
	// before it expires.
	MaxAttempts  int
	PollInterval time.Duration
}

type Market struct {
	ReservationTTL time.Duration
	// SignerKeyHex is the authorization private key; empty generates an
	// ephemeral key (development only).
	SignerKeyHex string
	// AssetSeedFile optionally points to a JSON catalog loaded at boot.
	AssetSeedFile string
}

type Config struct {
	HTTP    HTTP
	Auth    Auth
	Chain   Chain
	Market  Market
	DataDir string
	LogFile string
}

func Default() Config {
	return Config{
		HTTP: HTTP{
			Addr:           ":8080",
			AllowedOrigins: []string{"http://localhost:3000"},
			RateBurst:      20,
			RatePerSecond:  10,
			MaxBodyBytes:   1 << 20,
		},
		Auth: Auth{
			JWTSecret: "",
			TokenTTL:  24 * time.Hour,
		},
		Chain: Chain{
			RPCURL:           "",
			ConfirmThreshold: 3,
			MaxAttempts:      120,
			PollInterval:     15 * time.Second,
		},
		Market: Market{
			ReservationTTL: 10 * time.Minute,
		},
		DataDir: "data",
		LogFile: "data/marketd.log",
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and
// environment variables. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", cfg.HTTP.Addr)
	cfg.Auth.JWTSecret = getEnv("JWT_SECRET", cfg.Auth.JWTSecret)
	cfg.Chain.RPCURL = getEnv("CHAIN_RPC_URL", cfg.Chain.RPCURL)
	cfg.Market.SignerKeyHex = getEnv("SIGNER_KEY", cfg.Market.SignerKeyHex)
	cfg.Market.AssetSeedFile = getEnv("ASSET_SEED_FILE", cfg.Market.AssetSeedFile)
	cfg.DataDir = getEnv("DATA_DIR", cfg.DataDir)
	cfg.LogFile = getEnv("LOG_FILE", cfg.LogFile)

	if v := os.Getenv("CONFIRM_THRESHOLD"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil && n > 0 {
			cfg.Chain.ConfirmThreshold = n
		}
	}
	if v := os.Getenv("RECONCILE_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Chain.MaxAttempts = n
		}
	}
	if v := os.Getenv("POLL_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.Chain.PollInterval = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("RESERVATION_TTL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.Market.ReservationTTL = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("TOKEN_TTL_MIN"); v != "" {
		if m, err := strconv.Atoi(v); err == nil && m > 0 {
			cfg.Auth.TokenTTL = time.Duration(m) * time.Minute
		}
	}
	if v := os.Getenv("RATE_LIMIT_PER_SECOND"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.HTTP.RatePerSecond = n
		}
	}
	if v := os.Getenv("RATE_LIMIT_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.HTTP.RateBurst = n
		}
	}

	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
