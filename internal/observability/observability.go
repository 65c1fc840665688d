// Package observability boots the New Relic agent when a license key is
// configured. A nil application means instrumentation is off and the
// server skips the agent middleware.
package observability

import (
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/rs/zerolog"

	"github.com/tokenflow/tokenbridge/internal/config"
)

// NewApplication builds the New Relic application from config. Returns
// (nil, nil) when observability is disabled.
func NewApplication(cfg *config.ObservabilityConfig, logger zerolog.Logger) (*newrelic.Application, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(cfg.ServiceName),
		newrelic.ConfigLicense(cfg.LicenseKey),
		func(c *newrelic.Config) {
			c.Labels = map[string]string{"environment": cfg.Environment}
		},
	)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("service", cfg.ServiceName).Str("environment", cfg.Environment).Msg("observability enabled")
	return app, nil
}
