package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// PayoutPolicy controls how creator payouts are computed each cycle.
// Amounts are integer token units; percents are whole numbers (10 = 10%).
type PayoutPolicy struct {
	ReservePercent      int    `mapstructure:"reservePercent"`
	MinimumThreshold    int64  `mapstructure:"minimumThreshold"`
	Currency            string `mapstructure:"currency"`
	PlatformFeePercent  int    `mapstructure:"platformFeePercent"`
	StalenessWindowMins int    `mapstructure:"stalenessWindowMins"`
}

func DefaultPayoutPolicy() PayoutPolicy {
	return PayoutPolicy{
		ReservePercent:      10,
		MinimumThreshold:    1000,
		Currency:            "USD",
		PlatformFeePercent:  0,
		StalenessWindowMins: 60,
	}
}

// PayoutPolicyHolder serves the current policy and hot-reloads it when the
// backing file changes. Readers always see a complete, validated policy.
type PayoutPolicyHolder struct {
	current atomic.Value // holds PayoutPolicy
}

func NewPayoutPolicyHolder() (*PayoutPolicyHolder, error) {
	v := viper.New()

	v.SetConfigName("payout")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/tokenledger/config") // Volume-mounted config
	v.AddConfigPath("/etc/tokenledger")            // System config
	v.AddConfigPath(".")                           // Current directory (dev mode)

	v.SetEnvPrefix("TOKENLEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultPayoutPolicy()
	v.SetDefault("payout.reservePercent", defaults.ReservePercent)
	v.SetDefault("payout.minimumThreshold", defaults.MinimumThreshold)
	v.SetDefault("payout.currency", defaults.Currency)
	v.SetDefault("payout.platformFeePercent", defaults.PlatformFeePercent)
	v.SetDefault("payout.stalenessWindowMins", defaults.StalenessWindowMins)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg PayoutPolicy
	if err := v.UnmarshalKey("payout", &cfg); err != nil {
		return nil, err
	}
	if err := validatePayoutPolicy(cfg); err != nil {
		return nil, err
	}

	holder := &PayoutPolicyHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated PayoutPolicy
		if err := v.UnmarshalKey("payout", &updated); err != nil {
			log.Printf("[payout-config] reload failed: %v", err)
			return
		}
		if err := validatePayoutPolicy(updated); err != nil {
			log.Printf("[payout-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[payout-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticPayoutPolicyHolder returns a holder pinned to cfg, for tests and
// embedded setups that do not watch a config file.
func NewStaticPayoutPolicyHolder(cfg PayoutPolicy) (*PayoutPolicyHolder, error) {
	if err := validatePayoutPolicy(cfg); err != nil {
		return nil, err
	}
	holder := &PayoutPolicyHolder{}
	holder.current.Store(cfg)
	return holder, nil
}

func (h *PayoutPolicyHolder) Get() PayoutPolicy {
	return h.current.Load().(PayoutPolicy)
}

func validatePayoutPolicy(cfg PayoutPolicy) error {
	if cfg.ReservePercent < 0 || cfg.ReservePercent > 100 {
		return errors.New("payout.reservePercent must be between 0 and 100")
	}
	if cfg.PlatformFeePercent < 0 || cfg.PlatformFeePercent > 100 {
		return errors.New("payout.platformFeePercent must be between 0 and 100")
	}
	if cfg.MinimumThreshold < 0 {
		return errors.New("payout.minimumThreshold cannot be negative")
	}
	if strings.TrimSpace(cfg.Currency) == "" {
		return errors.New("payout.currency cannot be empty")
	}
	if cfg.StalenessWindowMins <= 0 {
		return errors.New("payout.stalenessWindowMins must be positive")
	}
	return nil
}
