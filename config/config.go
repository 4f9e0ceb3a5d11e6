// Copyright 2025 The mark authors
// This file is part of the mark library.
//
// The mark library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The mark library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the mark library. If not, see <http://www.gnu.org/licenses/>.

// Package config holds the typed runtime configuration of the agent: chains and
// their assets, rebalance routes, hub endpoints and operational knobs. The file
// format is YAML; secrets may be referenced as ${ENV_VAR} and are expanded at
// load time.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Environment selects the deployment flavour.
type Environment string

const (
	Mainnet Environment = "mainnet"
	Testnet Environment = "testnet"
)

// Asset describes one token deployed on a chain.
type Asset struct {
	Address          string `yaml:"address" validate:"required"`
	Symbol           string `yaml:"symbol" validate:"required"`
	Decimals         uint8  `yaml:"decimals" validate:"lte=18"`
	TickerHash       string `yaml:"tickerHash" validate:"required"`
	IsNative         bool   `yaml:"isNative"`
	BalanceThreshold string `yaml:"balanceThreshold"`
}

// Deployments lists the protocol contracts the agent touches on a chain.
type Deployments struct {
	Everclear  string `yaml:"everclear"`
	Permit2    string `yaml:"permit2"`
	Multicall3 string `yaml:"multicall3"`
}

// Chain is the per-chain section of the configuration. When the three Zodiac
// fields are set, every transaction on the chain is routed through the Safe
// role module instead of the raw signer.
type Chain struct {
	Providers  []string    `yaml:"providers" validate:"min=1"`
	Assets     []Asset     `yaml:"assets"`
	InvoiceAge uint64      `yaml:"invoiceAge"`
	// GasThreshold is the wei balance below which gas alerts fire.
	GasThreshold string      `yaml:"gasThreshold"`
	Deployments Deployments `yaml:"deployments"`

	ZodiacRoleModuleAddress string `yaml:"zodiacRoleModuleAddress"`
	ZodiacRoleKey           string `yaml:"zodiacRoleKey"`
	GnosisSafeAddress       string `yaml:"gnosisSafeAddress"`
}

// ZodiacEnabled reports whether transactions on this chain go through a Safe
// role module.
func (c *Chain) ZodiacEnabled() bool {
	return c.ZodiacRoleModuleAddress != "" && c.GnosisSafeAddress != ""
}

// Route is one configured liquidity corridor. Maximum and Reserve are
// 18-decimal normalized amounts; Preferences and SlippagesDbps are zipped
// pairwise, so they must have equal length.
type Route struct {
	Origin        uint64   `yaml:"origin" validate:"required"`
	Destination   uint64   `yaml:"destination" validate:"required"`
	Asset         string   `yaml:"asset" validate:"required"`
	Maximum       string   `yaml:"maximum" validate:"required"`
	Reserve       string   `yaml:"reserve"`
	SlippagesDbps []int64  `yaml:"slippagesDbps" validate:"min=1"`
	Preferences   []string `yaml:"preferences" validate:"min=1"`
	// TTL bounds how long an operation on this route may stay non-terminal.
	// Zero means the global default (24h).
	TTL time.Duration `yaml:"ttl"`
}

// MaximumBig parses Maximum; malformed values surface as nil.
func (r *Route) MaximumBig() *big.Int {
	v, ok := new(big.Int).SetString(r.Maximum, 10)
	if !ok {
		return nil
	}
	return v
}

// ReserveBig parses Reserve, treating empty and negative values as zero.
func (r *Route) ReserveBig() *big.Int {
	if r.Reserve == "" {
		return new(big.Int)
	}
	v, ok := new(big.Int).SetString(r.Reserve, 10)
	if !ok || v.Sign() < 0 {
		return new(big.Int)
	}
	return v
}

// Hub is the Everclear hub section.
type Hub struct {
	Domain    uint64   `yaml:"domain" validate:"required"`
	Providers []string `yaml:"providers"`
	APIURL    string   `yaml:"apiUrl" validate:"required,url"`
}

// Paused carries the two operator kill switches. The file is watched at
// runtime, so flipping a flag takes effect on the next tick without a restart.
type Paused struct {
	Rebalance bool `yaml:"rebalance"`
	Purchase  bool `yaml:"purchase"`
}

// Config is the root configuration object.
type Config struct {
	Environment Environment      `yaml:"environment" validate:"oneof=mainnet testnet"`
	Chains      map[uint64]Chain `yaml:"chains" validate:"min=1"`
	Routes      []Route          `yaml:"routes"`
	Hub         Hub              `yaml:"hub"`

	OwnAddress    string `yaml:"ownAddress" validate:"required"`
	OwnSolAddress string `yaml:"ownSolAddress"`

	SupportedSettlementDomains []uint64 `yaml:"supportedSettlementDomains" validate:"min=1"`

	DatabaseURL string `yaml:"databaseUrl" validate:"required"`
	RedisURL    string `yaml:"redisUrl" validate:"required"`

	PollingInterval time.Duration `yaml:"pollingInterval"`
	MaxRetries      int           `yaml:"maxRetries"`
	RetryDelay      time.Duration `yaml:"retryDelay"`
	LogLevel        string        `yaml:"logLevel"`

	PushGatewayURL string `yaml:"pushGatewayUrl"`
	StatusAddr     string `yaml:"statusAddr"`

	Paused Paused `yaml:"paused"`

	// Adapter-specific sections, opaque to the core.
	Kraken  map[string]string `yaml:"kraken"`
	Binance map[string]string `yaml:"binance"`
	Solana  map[string]string `yaml:"solana"`
	TAC     map[string]string `yaml:"tac"`
}

const (
	defaultPollingInterval = 30 * time.Second
	defaultMaxRetries      = 3
	defaultRetryDelay      = 2 * time.Second
)

// Load reads, expands and validates the configuration at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.PollingInterval <= 0 {
		c.PollingInterval = defaultPollingInterval
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.StatusAddr == "" {
		c.StatusAddr = ":8080"
	}
}

// Validate checks structural constraints that the YAML schema cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for i, r := range c.Routes {
		if len(r.Preferences) != len(r.SlippagesDbps) {
			return fmt.Errorf("route %d: preferences and slippagesDbps must pair up (%d vs %d)",
				i, len(r.Preferences), len(r.SlippagesDbps))
		}
		if _, ok := c.Chains[r.Origin]; !ok {
			return fmt.Errorf("route %d: origin chain %d not configured", i, r.Origin)
		}
		if _, ok := c.Chains[r.Destination]; !ok {
			return fmt.Errorf("route %d: destination chain %d not configured", i, r.Destination)
		}
		if r.MaximumBig() == nil {
			return fmt.Errorf("route %d: unparsable maximum %q", i, r.Maximum)
		}
	}
	return nil
}

// ErrUnknownAsset is returned by the lookup helpers when the requested asset
// or ticker is not configured on the chain.
var ErrUnknownAsset = errors.New("config: unknown asset")

// TickerForAsset resolves the ticker hash of an asset symbol on a chain.
func (c *Config) TickerForAsset(chainID uint64, symbol string) (string, error) {
	chain, ok := c.Chains[chainID]
	if !ok {
		return "", fmt.Errorf("%w: chain %d", ErrUnknownAsset, chainID)
	}
	for _, a := range chain.Assets {
		if strings.EqualFold(a.Symbol, symbol) {
			return strings.ToLower(a.TickerHash), nil
		}
	}
	return "", fmt.Errorf("%w: %s on chain %d", ErrUnknownAsset, symbol, chainID)
}

// AssetByTicker finds the asset entry carrying the ticker hash on a chain.
func (c *Config) AssetByTicker(chainID uint64, tickerHash string) (*Asset, error) {
	chain, ok := c.Chains[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: chain %d", ErrUnknownAsset, chainID)
	}
	for i := range chain.Assets {
		if strings.EqualFold(chain.Assets[i].TickerHash, tickerHash) {
			return &chain.Assets[i], nil
		}
	}
	return nil, fmt.Errorf("%w: ticker %s on chain %d", ErrUnknownAsset, tickerHash, chainID)
}

// KnownTicker reports whether any chain carries the ticker hash.
func (c *Config) KnownTicker(tickerHash string) bool {
	for id := range c.Chains {
		if _, err := c.AssetByTicker(id, tickerHash); err == nil {
			return true
		}
	}
	return false
}

// SettlementDomainSupported reports whether the domain is one the agent
// settles on.
func (c *Config) SettlementDomainSupported(domain uint64) bool {
	for _, d := range c.SupportedSettlementDomains {
		if d == domain {
			return true
		}
	}
	return false
}
