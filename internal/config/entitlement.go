package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EntitlementRuntimeConfig holds the tunables the grant resolver, usage
// meter, and reconciler read on every call. These are hot-reloadable so an
// operator can tighten or loosen drift/overage behavior without a restart.
type EntitlementRuntimeConfig struct {
	MaxDrift                 float64 `mapstructure:"maxDrift"`
	Epsilon                  float64 `mapstructure:"epsilon"`
	WatermarkOffsetSeconds   int     `mapstructure:"watermarkOffsetSeconds"`
	DefaultOverThresholdPct  float64 `mapstructure:"defaultOverThresholdPct"`
	CacheTTLSeconds          int     `mapstructure:"cacheTTLSeconds"`
	CacheNegativeTTLSeconds  int     `mapstructure:"cacheNegativeTTLSeconds"`
	ReconcileIntervalSeconds int     `mapstructure:"reconcileIntervalSeconds"`
}

func DefaultEntitlementRuntimeConfig() EntitlementRuntimeConfig {
	return EntitlementRuntimeConfig{
		MaxDrift:                 1000,
		Epsilon:                  0.001,
		WatermarkOffsetSeconds:   300,
		DefaultOverThresholdPct:  0.95,
		CacheTTLSeconds:          30,
		CacheNegativeTTLSeconds:  5,
		ReconcileIntervalSeconds: 60,
	}
}

// EntitlementConfigHolder exposes the current EntitlementRuntimeConfig and
// keeps it fresh by watching the backing config file for changes.
type EntitlementConfigHolder struct {
	current atomic.Value // holds EntitlementRuntimeConfig
}

func NewEntitlementConfigHolder() (*EntitlementConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("entitlement")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/entitlementd/config")
	v.AddConfigPath("/etc/entitlementd")
	v.AddConfigPath(".")

	v.SetEnvPrefix("ENTITLEMENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		defaults := DefaultEntitlementRuntimeConfig()
		v.SetDefault("entitlement.maxDrift", defaults.MaxDrift)
		v.SetDefault("entitlement.epsilon", defaults.Epsilon)
		v.SetDefault("entitlement.watermarkOffsetSeconds", defaults.WatermarkOffsetSeconds)
		v.SetDefault("entitlement.defaultOverThresholdPct", defaults.DefaultOverThresholdPct)
		v.SetDefault("entitlement.cacheTTLSeconds", defaults.CacheTTLSeconds)
		v.SetDefault("entitlement.cacheNegativeTTLSeconds", defaults.CacheNegativeTTLSeconds)
		v.SetDefault("entitlement.reconcileIntervalSeconds", defaults.ReconcileIntervalSeconds)
	}

	var cfg EntitlementRuntimeConfig
	if err := v.UnmarshalKey("entitlement", &cfg); err != nil {
		return nil, err
	}
	if err := validateEntitlementRuntimeConfig(cfg); err != nil {
		return nil, err
	}

	holder := &EntitlementConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated EntitlementRuntimeConfig
		if err := v.UnmarshalKey("entitlement", &updated); err != nil {
			log.Printf("[entitlement-config] reload failed: %v", err)
			return
		}
		if err := validateEntitlementRuntimeConfig(updated); err != nil {
			log.Printf("[entitlement-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[entitlement-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *EntitlementConfigHolder) Get() EntitlementRuntimeConfig {
	return h.current.Load().(EntitlementRuntimeConfig)
}

func validateEntitlementRuntimeConfig(cfg EntitlementRuntimeConfig) error {
	if cfg.MaxDrift <= 0 {
		return errors.New("entitlement.maxDrift must be positive")
	}
	if cfg.Epsilon <= 0 {
		return errors.New("entitlement.epsilon must be positive")
	}
	if cfg.DefaultOverThresholdPct <= 0 || cfg.DefaultOverThresholdPct > 1 {
		return errors.New("entitlement.defaultOverThresholdPct must be in (0,1]")
	}
	return nil
}
