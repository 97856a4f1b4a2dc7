package config

import (
	"CDPLedger/internal/oracle"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Feed kinds an asset can be priced by.
const (
	FeedStatic = "static" // In-process feed seeded from initial_price, updated over NATS
	FeedRedis  = "redis"  // Read from the Redis price cache
)

const maxDecimals = 77

// AssetConfig is one collateral entry of the asset registry.
type AssetConfig struct {
	Symbol       string `yaml:"symbol"`
	Decimals     uint8  `yaml:"decimals"`
	Feed         string `yaml:"feed"`
	InitialPrice string `yaml:"initial_price"` // USD, decimal string
	MaxAge       string `yaml:"max_age"`       // Go duration; empty uses the service default
}

type AssetsConfig struct {
	Assets []AssetConfig `yaml:"assets"`
}

// Answer returns InitialPrice at the oracle's precision, or 0 when unset.
func (a AssetConfig) Answer() (int64, error) {
	if a.InitialPrice == "" {
		return 0, nil
	}
	return oracle.ParseAnswer(a.InitialPrice, oracle.DefaultDecimals)
}

// MaxAgeOr returns the asset's max age, or def when unset.
func (a AssetConfig) MaxAgeOr(def time.Duration) time.Duration {
	if a.MaxAge == "" {
		return def
	}
	d, err := time.ParseDuration(a.MaxAge)
	if err != nil {
		return def
	}
	return d
}

// LoadAssets reads and validates the registry at path.
func LoadAssets(path string) ([]AssetConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read %s: %w", path, err)
	}
	return ParseAssets(data)
}

// ParseAssets decodes a YAML registry. Feed defaults to static; a static
// asset needs an initial price.
func ParseAssets(data []byte) ([]AssetConfig, error) {
	var cfg AssetsConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unable to parse assets: %w", err)
	}
	if len(cfg.Assets) == 0 {
		return nil, fmt.Errorf("no assets configured")
	}

	seen := make(map[string]bool, len(cfg.Assets))
	for i := range cfg.Assets {
		a := &cfg.Assets[i]
		if a.Symbol == "" {
			return nil, fmt.Errorf("asset at index %d missing symbol", i)
		}
		if seen[a.Symbol] {
			return nil, fmt.Errorf("asset %s listed twice", a.Symbol)
		}
		seen[a.Symbol] = true

		if a.Decimals > maxDecimals {
			return nil, fmt.Errorf("asset %s: decimals %d exceeds %d", a.Symbol, a.Decimals, maxDecimals)
		}
		if a.Feed == "" {
			a.Feed = FeedStatic
		}
		switch a.Feed {
		case FeedStatic:
			if a.InitialPrice == "" {
				return nil, fmt.Errorf("asset %s: static feed needs initial_price", a.Symbol)
			}
		case FeedRedis:
		default:
			return nil, fmt.Errorf("asset %s: unknown feed %q", a.Symbol, a.Feed)
		}
		if _, err := a.Answer(); err != nil {
			return nil, fmt.Errorf("asset %s: initial_price: %w", a.Symbol, err)
		}
		if a.MaxAge != "" {
			if _, err := time.ParseDuration(a.MaxAge); err != nil {
				return nil, fmt.Errorf("asset %s: max_age: %w", a.Symbol, err)
			}
		}
	}
	return cfg.Assets, nil
}
