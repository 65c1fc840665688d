package config

import "errors"

// ObservabilityConfig controls the New Relic agent. With Enabled false or
// no license key, the relay runs without instrumentation.
type ObservabilityConfig struct {
	ServiceName string `koanf:"service_name"`
	Environment string `koanf:"environment"`
	LicenseKey  string `koanf:"license_key"`
	Enabled     bool   `koanf:"enabled"`
}

// DefaultObservabilityConfig returns a disabled configuration.
func DefaultObservabilityConfig() *ObservabilityConfig {
	return &ObservabilityConfig{Enabled: false}
}

// Validate checks that an enabled configuration is usable.
func (c *ObservabilityConfig) Validate() error {
	if c.Enabled && c.LicenseKey == "" {
		return errors.New("observability enabled without a license key")
	}
	return nil
}
