// Package middleware provides HTTP middleware components for the substrate query API.
package middleware

import (
	"github.com/onex-io/substrate/internal/config"
)

// LoadRateLimitConfig loads rate limiter configuration from environment
// variables with sensible defaults. Unset burst values default to twice the
// sustained rate.
func LoadRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		GlobalRPS:   config.GetEnvInt("SUBSTRATE_RATE_LIMIT_GLOBAL_RPS", defaultGlobalRPS),
		ClientRPS:   config.GetEnvInt("SUBSTRATE_RATE_LIMIT_CLIENT_RPS", defaultClientRPS),
		GlobalBurst: config.GetEnvInt("SUBSTRATE_RATE_LIMIT_GLOBAL_BURST", 0),
		ClientBurst: config.GetEnvInt("SUBSTRATE_RATE_LIMIT_CLIENT_BURST", 0),
		MaxClients:  config.GetEnvInt("SUBSTRATE_RATE_LIMIT_MAX_CLIENTS", defaultMaxClients),
	}
}
