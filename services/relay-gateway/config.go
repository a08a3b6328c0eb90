package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config captures runtime configuration for the relay gateway service.
type Config struct {
	ListenAddress string

	NodeURL         string
	UpstreamTimeout time.Duration

	BalanceStorePath string
	AuditDBPath      string

	FacilitatorURL     string
	FacilitatorTimeout time.Duration

	PaymentAddress    string
	PricePerRequest   uint64
	TopUpAmount       uint64
	Network           string
	Asset             string
	MaxTimeoutSeconds int64

	SkewWindow     time.Duration
	ReplayWindow   time.Duration
	ReplayCapacity int

	BreakerThreshold int
	BreakerCooldown  time.Duration

	ServiceName  string
	Environment  string
	OTelEndpoint string
	OTelInsecure bool
}

const (
	envListen = "RELAY_GATEWAY_LISTEN"

	envNodeURL         = "RELAY_GATEWAY_NODE_URL"
	envUpstreamTimeout = "RELAY_GATEWAY_UPSTREAM_TIMEOUT"

	envBalanceStorePath = "RELAY_GATEWAY_BALANCE_DB"
	envAuditDBPath      = "RELAY_GATEWAY_AUDIT_DB"

	envFacilitatorURL     = "RELAY_GATEWAY_FACILITATOR_URL"
	envFacilitatorTimeout = "RELAY_GATEWAY_FACILITATOR_TIMEOUT"

	envPaymentAddress    = "RELAY_GATEWAY_PAYMENT_ADDRESS"
	envPricePerRequest   = "RELAY_GATEWAY_PRICE_PER_REQUEST"
	envTopUpAmount       = "RELAY_GATEWAY_TOPUP_AMOUNT"
	envNetwork           = "RELAY_GATEWAY_NETWORK"
	envAsset             = "RELAY_GATEWAY_ASSET"
	envMaxTimeoutSeconds = "RELAY_GATEWAY_MAX_TIMEOUT_SECONDS"

	envSkewWindow     = "RELAY_GATEWAY_SKEW_WINDOW"
	envReplayWindow   = "RELAY_GATEWAY_REPLAY_WINDOW"
	envReplayCapacity = "RELAY_GATEWAY_REPLAY_CAPACITY"

	envBreakerThreshold = "RELAY_GATEWAY_BREAKER_THRESHOLD"
	envBreakerCooldown  = "RELAY_GATEWAY_BREAKER_COOLDOWN"

	envServiceName  = "RELAY_GATEWAY_SERVICE_NAME"
	envEnvironment  = "RELAY_GATEWAY_ENV"
	envOTelEndpoint = "RELAY_GATEWAY_OTEL_ENDPOINT"
	envOTelInsecure = "RELAY_GATEWAY_OTEL_INSECURE"
)

// LoadConfigFromEnv resolves configuration from environment variables with sane defaults.
func LoadConfigFromEnv() (*Config, error) {
	cfg := &Config{
		ListenAddress: getenvDefault(envListen, ":8080"),

		NodeURL:         os.Getenv(envNodeURL),
		UpstreamTimeout: parseDurationDefault(envUpstreamTimeout, 30*time.Second),

		BalanceStorePath: getenvDefault(envBalanceStorePath, "relay-gateway-balances.db"),
		AuditDBPath:      getenvDefault(envAuditDBPath, "relay-gateway-audit.db"),

		FacilitatorURL:     os.Getenv(envFacilitatorURL),
		FacilitatorTimeout: parseDurationDefault(envFacilitatorTimeout, 10*time.Second),

		PaymentAddress:    os.Getenv(envPaymentAddress),
		PricePerRequest:   parseUintDefault(envPricePerRequest, 1),
		TopUpAmount:       parseUintDefault(envTopUpAmount, 1_000_000),
		Network:           getenvDefault(envNetwork, "base-sepolia"),
		Asset:             os.Getenv(envAsset),
		MaxTimeoutSeconds: parseInt64Default(envMaxTimeoutSeconds, 60),

		SkewWindow:     parseDurationDefault(envSkewWindow, 60*time.Second),
		ReplayWindow:   parseDurationDefault(envReplayWindow, 60*time.Second),
		ReplayCapacity: int(parseUintDefault(envReplayCapacity, 65536)),

		BreakerThreshold: int(parseUintDefault(envBreakerThreshold, 5)),
		BreakerCooldown:  parseDurationDefault(envBreakerCooldown, 30*time.Second),

		ServiceName:  getenvDefault(envServiceName, "x402-gateway"),
		Environment:  os.Getenv(envEnvironment),
		OTelEndpoint: os.Getenv(envOTelEndpoint),
		OTelInsecure: strings.EqualFold(strings.TrimSpace(os.Getenv(envOTelInsecure)), "true"),
	}

	if cfg.NodeURL == "" {
		return nil, fmt.Errorf("%s is required", envNodeURL)
	}
	if cfg.FacilitatorURL == "" {
		return nil, fmt.Errorf("%s is required", envFacilitatorURL)
	}
	if cfg.PaymentAddress == "" {
		return nil, fmt.Errorf("%s is required", envPaymentAddress)
	}
	if cfg.Asset == "" {
		return nil, fmt.Errorf("%s is required", envAsset)
	}
	if cfg.PricePerRequest == 0 {
		return nil, fmt.Errorf("%s must be greater than zero", envPricePerRequest)
	}

	return cfg, nil
}

func getenvDefault(key, def string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return def
}

func parseDurationDefault(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func parseUintDefault(key string, def uint64) uint64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return def
	}
	return v
}

func parseInt64Default(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return v
}
