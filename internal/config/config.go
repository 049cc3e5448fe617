package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"

	"github.com/DoyleJ11/coinflip-royale/internal/engine"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Addr        string
	LogLevel    string
	LogEncoding string

	DatabaseURL     string
	SettlementURL   string
	SettlementToken string

	SigningSeed  []byte
	MasterSecret []byte

	AllowedOrigins  []string
	ShutdownTimeout time.Duration
	ResolveAttempts int
	PayoutRetry     time.Duration

	// Rules are the defaults for rooms created without overrides.
	Rules engine.Rules
}

// Load reads .env when present and then the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds the configuration from getenv and validates it.
func FromEnv(getenv func(string) string) (Config, error) {
	p := parser{getenv: getenv}
	rules := engine.DefaultRules()

	c := Config{
		Addr:            p.str("ADDR", ":8080"),
		LogLevel:        p.str("LOG_LEVEL", "info"),
		LogEncoding:     p.str("LOG_ENCODING", "json"),
		DatabaseURL:     p.str("DATABASE_URL", ""),
		SettlementURL:   strings.TrimRight(p.str("SETTLEMENT_URL", ""), "/"),
		SettlementToken: p.str("SETTLEMENT_TOKEN", ""),
		SigningSeed:     p.hexBytes("SIGNING_SEED"),
		MasterSecret:    p.hexBytes("MASTER_SECRET"),
		AllowedOrigins:  p.list("ALLOWED_ORIGINS"),
		ShutdownTimeout: p.duration("SHUTDOWN_TIMEOUT", 10*time.Second),
		ResolveAttempts: p.integer("RESOLVE_ATTEMPTS", 3),
		PayoutRetry:     p.duration("PAYOUT_RETRY", 30*time.Second),
	}

	rules.Capacity = p.integer("ROOM_CAPACITY", rules.Capacity)
	rules.MinPlayers = p.integer("ROOM_MIN_PLAYERS", rules.MinPlayers)
	rules.Lives = p.integer("ROOM_LIVES", rules.Lives)
	rules.Variant = engine.Variant(p.str("ROOM_VARIANT", string(rules.Variant)))
	rules.EntryFee = int64(p.integer("ROOM_ENTRY_FEE", int(rules.EntryFee)))
	rules.RakeBps = int64(p.integer("RAKE_BPS", int(rules.RakeBps)))
	rules.PowerBias = p.number("POWER_BIAS", rules.PowerBias)
	rules.FillTimeout = p.duration("FILL_TIMEOUT", rules.FillTimeout)
	rules.StartCountdown = p.duration("START_COUNTDOWN", rules.StartCountdown)
	rules.ChoiceTimeout = p.duration("CHOICE_TIMEOUT", rules.ChoiceTimeout)
	rules.ChargeTimeout = p.duration("CHARGE_TIMEOUT", rules.ChargeTimeout)
	rules.ResolveTimeout = p.duration("RESOLVE_TIMEOUT", rules.ResolveTimeout)
	rules.ResultWindow = p.duration("RESULT_WINDOW", rules.ResultWindow)
	c.Rules = rules

	err := p.err
	if len(c.SigningSeed) != 0 && len(c.SigningSeed) != 32 {
		err = multierr.Append(err, fmt.Errorf("SIGNING_SEED must be 32 bytes, got %d", len(c.SigningSeed)))
	}
	if c.ResolveAttempts < 1 {
		err = multierr.Append(err, errors.New("RESOLVE_ATTEMPTS must be >= 1"))
	}
	if c.PayoutRetry <= 0 {
		err = multierr.Append(err, errors.New("PAYOUT_RETRY must be positive"))
	}
	if c.ShutdownTimeout <= 0 {
		err = multierr.Append(err, errors.New("SHUTDOWN_TIMEOUT must be positive"))
	}
	for _, d := range []time.Duration{rules.FillTimeout, rules.StartCountdown, rules.ChoiceTimeout, rules.ChargeTimeout, rules.ResolveTimeout, rules.ResultWindow} {
		if d <= 0 {
			err = multierr.Append(err, errors.New("phase timeouts must be positive"))
			break
		}
	}
	err = multierr.Append(err, rules.Validate())
	if err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return c, nil
}

// parser collects every malformed value instead of stopping at the first.
type parser struct {
	getenv func(string) string
	err    error
}

func (p *parser) str(key, def string) string {
	if v := strings.TrimSpace(p.getenv(key)); v != "" {
		return v
	}
	return def
}

func (p *parser) integer(key string, def int) int {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.err = multierr.Append(p.err, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (p *parser) number(key string, def float64) float64 {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.err = multierr.Append(p.err, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return f
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.err = multierr.Append(p.err, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func (p *parser) hexBytes(key string) []byte {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return nil
	}
	b, err := hex.DecodeString(v)
	if err != nil {
		p.err = multierr.Append(p.err, fmt.Errorf("%s: %w", key, err))
		return nil
	}
	return b
}

func (p *parser) list(key string) []string {
	var out []string
	for _, part := range strings.Split(p.getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
