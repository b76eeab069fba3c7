package fly402

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Environment identifies the deployment type.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// DefaultNetwork is used when a configuration names no network.
const DefaultNetwork = "devnet"

var defaultEndpoints = map[string]string{
	"devnet":   "http://127.0.0.1:8899",
	"localnet": "http://127.0.0.1:8899",
}

// DefaultEndpoint returns the ledger endpoint assumed for network, or ""
// when the network has no default and EndpointURL must be set.
func DefaultEndpoint(network string) string {
	return defaultEndpoints[network]
}

// Config is the deployment configuration shared by the [Guard] and the
// [Processor]. It is constructed explicitly and passed as a dependency.
type Config struct {
	// Environment identifies the deployment type.
	Environment Environment `yaml:"environment"`
	// PaymentAddress is the recipient of every payment.
	PaymentAddress string `yaml:"paymentAddress"`
	// AssetID is the single accepted asset.
	AssetID string `yaml:"assetId"`
	// Network is the ledger network identifier.
	Network string `yaml:"network"`
	// EndpointURL overrides the network's default ledger endpoint.
	EndpointURL string `yaml:"endpointUrl"`
	// DefaultAmount is the price charged by the fixed pricing policy.
	DefaultAmount decimal.Decimal `yaml:"defaultAmount"`
	// Description is attached to challenges of the fixed pricing policy.
	Description string `yaml:"description"`
	// PaymentTimeout bounds how long a challenge stays payable.
	PaymentTimeout time.Duration `yaml:"paymentTimeout"`
	// AutoVerify must stay true outside development.
	AutoVerify bool `yaml:"autoVerify"`
	// ConfirmationTimeout bounds the wait for confirmation after broadcast.
	ConfirmationTimeout time.Duration `yaml:"confirmationTimeout"`
	// MinConfirmations is the settlement depth.
	MinConfirmations uint64 `yaml:"minConfirmations"`
}

// DefaultConfig returns a configuration with every optional field set.
// PaymentAddress and AssetID have no defaults.
func DefaultConfig() Config {
	return Config{
		Environment:         Production,
		Network:             DefaultNetwork,
		DefaultAmount:       decimal.RequireFromString("0.01"),
		PaymentTimeout:      300 * time.Second,
		AutoVerify:          true,
		ConfirmationTimeout: 30 * time.Second,
		MinConfirmations:    1,
	}
}

// LoadConfig reads a YAML file over [DefaultConfig]. Unknown keys are an
// error. The result is validated.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("fly402: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig is [LoadConfig] for in-memory YAML.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("fly402: parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Endpoint returns EndpointURL or the network default.
func (c Config) Endpoint() string {
	if c.EndpointURL != "" {
		return c.EndpointURL
	}
	return DefaultEndpoint(c.Network)
}

// Validate reports every configuration problem at once.
func (c Config) Validate() error {
	var errs []error
	switch c.Environment {
	case Development, Staging, Production:
	default:
		errs = append(errs, fmt.Errorf("environment %q must be one of development, staging, production", c.Environment))
	}
	if c.PaymentAddress == "" {
		errs = append(errs, errors.New("paymentAddress is required"))
	}
	if c.AssetID == "" {
		errs = append(errs, errors.New("assetId is required"))
	}
	if c.Network == "" {
		errs = append(errs, errors.New("network is required"))
	}
	if c.Endpoint() == "" {
		errs = append(errs, fmt.Errorf("endpointUrl is required for network %q", c.Network))
	}
	if c.DefaultAmount.Sign() <= 0 || -c.DefaultAmount.Exponent() > MaxAmountScale {
		errs = append(errs, fmt.Errorf("defaultAmount %s must be a positive decimal with at most %d fractional digits", c.DefaultAmount, MaxAmountScale))
	}
	if c.PaymentTimeout <= 0 {
		errs = append(errs, errors.New("paymentTimeout must be positive"))
	}
	if c.ConfirmationTimeout <= 0 {
		errs = append(errs, errors.New("confirmationTimeout must be positive"))
	}
	if c.MinConfirmations == 0 {
		errs = append(errs, errors.New("minConfirmations must be at least 1"))
	}
	if !c.AutoVerify && c.Environment != Development {
		errs = append(errs, errors.New("autoVerify may only be disabled in the development environment"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("fly402: invalid config: %w", errors.Join(errs...))
	}
	return nil
}
