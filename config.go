// SPDX-License-Identifier: GPL-2.0-only

package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/usbip-hostagent/deviceplane/internal/discovery"
)

// initConfig defines config flags, config file, and envs, following
// usbip-device-plugin's config.go pattern and extending it with the retry
// keys SPEC_FULL.md §8 adds.
func initConfig() error {
	cfgFile := flag.String("config", "", "Path to the config file.")
	flag.String("log-level", logLevelInfo, fmt.Sprintf("Log level to use. Possible values: %s", availableLogLevels))
	flag.String("listen", ":8080", "The address at which to listen for health and metrics.")
	flag.Int64("cache-ttl-ms", 1000, "Discovery cache validity, in milliseconds.")
	flag.Int("retry-max-retries", 3, "Maximum retry attempts for recoverable registry errors.")
	flag.Int64("retry-base-delay-ms", 100, "Base retry backoff delay, in milliseconds.")
	flag.Float64("retry-backoff-multiplier", 2.0, "Retry backoff multiplier.")
	flag.Int64("retry-max-delay-ms", 5000, "Maximum retry backoff delay, in milliseconds.")
	flag.Float64("retry-jitter-fraction", 0.1, "Retry backoff jitter fraction.")

	flag.Parse()
	if err := viper.BindPFlags(flag.CommandLine); err != nil {
		return fmt.Errorf("failed to bind config: %w", err)
	}

	if *cfgFile != "" {
		viper.SetConfigFile(*cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("/etc/usbip-hostagent/")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; ignore error
		} else {
			// Config file was found but another error was produced
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return nil
}

// getCacheTTL reads cache-ttl-ms into a time.Duration.
func getCacheTTL() time.Duration {
	return time.Duration(viper.GetInt64("cache-ttl-ms")) * time.Millisecond
}

// retryConfig is the mapstructure target for the `retry:` config block
// (SPEC_FULL.md §8).
type retryConfig struct {
	MaxRetries        int     `mapstructure:"max_retries"`
	BaseDelayMs       int64   `mapstructure:"base_delay_ms"`
	BackoffMultiplier float64 `mapstructure:"backoff_multiplier"`
	MaxDelayMs        int64   `mapstructure:"max_delay_ms"`
	JitterFraction    float64 `mapstructure:"jitter_fraction"`
}

// getRetryPolicy decodes the `retry:` config block if present, falling back
// to individual --retry-* flags/env vars (and ultimately
// discovery.DefaultRetryPolicy's values) otherwise.
func getRetryPolicy() (discovery.RetryPolicy, error) {
	policy := discovery.RetryPolicy{
		MaxRetries:        viper.GetInt("retry-max-retries"),
		BaseDelay:         time.Duration(viper.GetInt64("retry-base-delay-ms")) * time.Millisecond,
		BackoffMultiplier: viper.GetFloat64("retry-backoff-multiplier"),
		MaxDelay:          time.Duration(viper.GetInt64("retry-max-delay-ms")) * time.Millisecond,
		JitterFraction:    viper.GetFloat64("retry-jitter-fraction"),
	}

	if sub := viper.GetStringMap("retry"); len(sub) > 0 {
		var rc retryConfig
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{Result: &rc, TagName: "mapstructure"})
		if err != nil {
			return policy, err
		}
		if err := decoder.Decode(sub); err != nil {
			return policy, fmt.Errorf("failed to decode retry config %v: %w", sub, err)
		}
		policy = discovery.RetryPolicy{
			MaxRetries:        rc.MaxRetries,
			BaseDelay:         time.Duration(rc.BaseDelayMs) * time.Millisecond,
			BackoffMultiplier: rc.BackoffMultiplier,
			MaxDelay:          time.Duration(rc.MaxDelayMs) * time.Millisecond,
			JitterFraction:    rc.JitterFraction,
		}
	}
	return policy, nil
}
