// Package node assembles a relay service from configuration: the price
// source, settlement ledger, admission policy, replay registry, relay
// controller and the JSON-RPC surface.
package node

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/eth2030/tokenrelay/admission"
	"github.com/eth2030/tokenrelay/core/types"
	"github.com/eth2030/tokenrelay/log"
	"github.com/eth2030/tokenrelay/oracle"
	"github.com/eth2030/tokenrelay/relay"
	"github.com/eth2030/tokenrelay/replay"
	"github.com/eth2030/tokenrelay/settlement"
)

// EnvPrefix prefixes every environment override, e.g. TOKENRELAY_RPC_PORT.
const EnvPrefix = "TOKENRELAY_"

const (
	SponsorshipToken  = "token"
	SponsorshipNative = "native"

	ReplayMemory = "memory"
	ReplaySQLite = "sqlite"
	ReplayRedis  = "redis"
)

// Config holds all configuration for a relay node. Values are read from a
// YAML file first and then overridden from the environment.
type Config struct {
	RPC     RPCConfig     `yaml:"rpc" envPrefix:"RPC_"`
	Log     LogConfig     `yaml:"log" envPrefix:"LOG_"`
	Metrics MetricsConfig `yaml:"metrics" envPrefix:"METRICS_"`
	Replay  ReplayConfig  `yaml:"replay" envPrefix:"REPLAY_"`
	Pricing PricingConfig `yaml:"pricing" envPrefix:"PRICING_"`
	Policy  PolicyConfig  `yaml:"policy" envPrefix:"POLICY_"`
	Chain   ChainConfig   `yaml:"chain" envPrefix:"CHAIN_"`
	Dev     DevConfig     `yaml:"dev" envPrefix:"DEV_"`
}

type RPCConfig struct {
	Host string `yaml:"host" env:"HOST"`
	// Port is the HTTP port for the JSON-RPC server. Zero picks a free port.
	Port int `yaml:"port" env:"PORT"`

	// JWTSecret is the HS256 key for operator calls. JWTSecretFile names a
	// file holding the key hex-encoded. Setting neither disables admin_*,
	// relay_postSettle and relay_pending.
	JWTSecret     string `yaml:"jwt_secret" env:"JWT_SECRET"`
	JWTSecretFile string `yaml:"jwt_secret_file" env:"JWT_SECRET_FILE"`

	RateLimit    float64  `yaml:"rate_limit" env:"RATE_LIMIT"`
	Burst        int      `yaml:"burst" env:"BURST"`
	CORSOrigins  []string `yaml:"cors_origins" env:"CORS_ORIGINS" envSeparator:","`
	MaxBodyBytes int64    `yaml:"max_body_bytes" env:"MAX_BODY_BYTES"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Path    string `yaml:"path" env:"PATH"`
}

// ReplayConfig selects where consumed proof digests are recorded.
type ReplayConfig struct {
	Backend       string `yaml:"backend" env:"BACKEND"`
	SQLitePath    string `yaml:"sqlite_path" env:"SQLITE_PATH"`
	RedisAddr     string `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" env:"REDIS_DB"`
	RedisPrefix   string `yaml:"redis_prefix" env:"REDIS_PREFIX"`
}

// PricingConfig binds the fee token, the pool it trades against and the
// custody account that holds reservations.
type PricingConfig struct {
	// Sponsorship is "token" to charge payers in FeeToken, or "native" to
	// sponsor execution outright.
	Sponsorship   string        `yaml:"sponsorship" env:"SPONSORSHIP"`
	WrappedNative types.Address `yaml:"wrapped_native" env:"WRAPPED_NATIVE"`
	FeeToken      types.Address `yaml:"fee_token" env:"FEE_TOKEN"`
	Custody       types.Address `yaml:"custody" env:"CUSTODY"`

	FeeNumerator   uint64        `yaml:"fee_numerator" env:"FEE_NUMERATOR"`
	FeeDenominator uint64        `yaml:"fee_denominator" env:"FEE_DENOMINATOR"`
	SwapDeadline   time.Duration `yaml:"swap_deadline" env:"SWAP_DEADLINE"`
}

// Fee returns the pool fee fraction.
func (p *PricingConfig) Fee() oracle.Fee {
	return oracle.Fee{Numerator: p.FeeNumerator, Denominator: p.FeeDenominator}
}

// PolicyConfig configures admission. Strategies are combined so that every
// listed one must accept; "pow" has to come last because it consumes the
// proof.
type PolicyConfig struct {
	Strategies  []string `yaml:"strategies" env:"STRATEGIES" envSeparator:","`
	Difficulty  uint     `yaml:"difficulty" env:"DIFFICULTY"`
	OverheadGas uint64   `yaml:"overhead_gas" env:"OVERHEAD_GAS"`

	// AcceptTTL is how long an accepted session waits for relay_preSettle.
	AcceptTTL time.Duration `yaml:"accept_ttl" env:"ACCEPT_TTL"`

	SenderWhitelist bool            `yaml:"sender_whitelist" env:"SENDER_WHITELIST"`
	TargetWhitelist bool            `yaml:"target_whitelist" env:"TARGET_WHITELIST"`
	Senders         []types.Address `yaml:"senders" env:"SENDERS" envSeparator:","`
	Targets         []types.Address `yaml:"targets" env:"TARGETS" envSeparator:","`
}

// ChainConfig points pricing and balance checks at a live chain. When
// RPCURL is empty the node runs against an in-process simulated host.
type ChainConfig struct {
	RPCURL string        `yaml:"rpc_url" env:"RPC_URL"`
	Pair   types.Address `yaml:"pair" env:"PAIR"`
}

// DevConfig seeds the simulated host.
type DevConfig struct {
	NativeReserve Amount       `yaml:"native_reserve" env:"NATIVE_RESERVE"`
	TokenReserve  Amount       `yaml:"token_reserve" env:"TOKEN_RESERVE"`
	Deposit       Amount       `yaml:"deposit" env:"DEPOSIT"`
	Accounts      []DevAccount `yaml:"accounts"`
}

// DevAccount is a payer funded with fee tokens at startup. Its whole
// balance is approved to the custody account.
type DevAccount struct {
	Address types.Address `yaml:"address"`
	Tokens  Amount        `yaml:"tokens"`
}

// Amount is a non-negative integer written in decimal or 0x-hex.
type Amount struct {
	v *big.Int
}

// NewAmount wraps x.
func NewAmount(x *big.Int) Amount {
	return Amount{v: new(big.Int).Set(x)}
}

// Big returns a copy of the amount; unset amounts are zero.
func (a Amount) Big() *big.Int {
	if a.v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(a.v)
}

func (a *Amount) UnmarshalText(text []byte) error {
	v, ok := new(big.Int).SetString(string(bytes.TrimSpace(text)), 0)
	if !ok || v.Sign() < 0 {
		return fmt.Errorf("invalid amount %q", text)
	}
	a.v = v
	return nil
}

func (a Amount) MarshalText() ([]byte, error) {
	return []byte(a.Big().String()), nil
}

// DefaultConfig returns a Config for a native-sponsored relay that admits
// everyone.
func DefaultConfig() Config {
	return Config{
		RPC: RPCConfig{
			Host:      "127.0.0.1",
			Port:      8645,
			RateLimit: 50,
			Burst:     100,
		},
		Log: LogConfig{
			Level:  "info",
			Format: string(log.FormatJSON),
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Replay: ReplayConfig{
			Backend:     ReplayMemory,
			RedisPrefix: replay.DefaultRedisPrefix,
		},
		Pricing: PricingConfig{
			Sponsorship:    SponsorshipNative,
			FeeNumerator:   oracle.DefaultFee.Numerator,
			FeeDenominator: oracle.DefaultFee.Denominator,
			SwapDeadline:   settlement.DefaultSwapDeadline,
		},
		Policy: PolicyConfig{
			Strategies:      []string{admission.NameWhitelist},
			OverheadGas:     40_000,
			AcceptTTL:       relay.DefaultAcceptTTL,
			SenderWhitelist: true,
			TargetWhitelist: true,
		},
	}
}

// LoadConfig reads path (if non-empty) over the defaults, applies
// TOKENRELAY_* environment overrides and validates the result.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks configuration values for correctness.
func (c *Config) Validate() error {
	if c.RPC.Port < 0 || c.RPC.Port > 65535 {
		return fmt.Errorf("config: invalid rpc port: %d", c.RPC.Port)
	}
	if c.RPC.JWTSecret != "" && c.RPC.JWTSecretFile != "" {
		return errors.New("config: jwt_secret and jwt_secret_file are mutually exclusive")
	}
	if c.RPC.RateLimit < 0 || c.RPC.Burst < 0 {
		return errors.New("config: rate limit and burst must not be negative")
	}
	if _, ok := log.ParseLevel(c.Log.Level); !ok {
		return fmt.Errorf("config: unknown log level %q", c.Log.Level)
	}
	switch log.Format(c.Log.Format) {
	case log.FormatJSON, log.FormatText:
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}
	if c.Metrics.Enabled && (c.Metrics.Path == "" || c.Metrics.Path[0] != '/' || c.Metrics.Path == "/") {
		return fmt.Errorf("config: invalid metrics path %q", c.Metrics.Path)
	}
	if err := c.validatePolicy(); err != nil {
		return err
	}
	if err := c.validatePricing(); err != nil {
		return err
	}
	if c.hasStrategy(admission.NameProofOfWork) {
		switch c.Replay.Backend {
		case ReplayMemory:
		case ReplaySQLite:
			if c.Replay.SQLitePath == "" {
				return errors.New("config: sqlite replay backend needs sqlite_path")
			}
		case ReplayRedis:
			if c.Replay.RedisAddr == "" {
				return errors.New("config: redis replay backend needs redis_addr")
			}
		default:
			return fmt.Errorf("config: unknown replay backend %q", c.Replay.Backend)
		}
	}
	if c.Chain.RPCURL != "" {
		if c.Chain.Pair.IsZero() {
			return errors.New("config: chain mode needs the pair address")
		}
		if c.Pricing.Sponsorship != SponsorshipNative {
			return errors.New("config: chain mode only supports native sponsorship")
		}
	}
	return nil
}

func (c *Config) validatePolicy() error {
	if len(c.Policy.Strategies) == 0 {
		return errors.New("config: at least one admission strategy is required")
	}
	seen := make(map[string]bool)
	for i, name := range c.Policy.Strategies {
		switch name {
		case admission.NameWhitelist, admission.NameTokenBalance:
		case admission.NameProofOfWork:
			if i != len(c.Policy.Strategies)-1 {
				return errors.New("config: pow must be the last admission strategy")
			}
		default:
			return fmt.Errorf("config: unknown admission strategy %q", name)
		}
		if seen[name] {
			return fmt.Errorf("config: duplicate admission strategy %q", name)
		}
		seen[name] = true
	}
	if c.Policy.AcceptTTL < 0 {
		return fmt.Errorf("config: negative accept_ttl %v", c.Policy.AcceptTTL)
	}
	if c.Policy.Difficulty > admission.MaxDifficulty {
		return fmt.Errorf("config: difficulty %d exceeds %d", c.Policy.Difficulty, admission.MaxDifficulty)
	}
	return nil
}

func (c *Config) validatePricing() error {
	p := &c.Pricing
	switch p.Sponsorship {
	case SponsorshipToken:
		if p.Custody.IsZero() {
			return errors.New("config: token sponsorship needs a custody address")
		}
	case SponsorshipNative:
	default:
		return fmt.Errorf("config: unknown sponsorship %q", p.Sponsorship)
	}
	if c.needsOracle() {
		if p.WrappedNative.IsZero() || p.FeeToken.IsZero() {
			return errors.New("config: wrapped_native and fee_token are required for token pricing")
		}
		if p.WrappedNative == p.FeeToken {
			return errors.New("config: wrapped_native and fee_token must differ")
		}
		if err := p.Fee().Validate(); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	if p.SwapDeadline < 0 {
		return fmt.Errorf("config: invalid swap deadline %s", p.SwapDeadline)
	}
	return nil
}

func (c *Config) hasStrategy(name string) bool {
	for _, s := range c.Policy.Strategies {
		if s == name {
			return true
		}
	}
	return false
}

// needsOracle reports whether anything prices native cost in fee tokens.
func (c *Config) needsOracle() bool {
	return c.Pricing.Sponsorship == SponsorshipToken || c.hasStrategy(admission.NameTokenBalance)
}

// RPCAddr returns the RPC listen address string.
func (c *Config) RPCAddr() string {
	return fmt.Sprintf("%s:%d", c.RPC.Host, c.RPC.Port)
}
