package config

import (
	"github.com/shopspring/decimal"

	"liqguard/internal/feed"
	"liqguard/internal/market"
	"liqguard/internal/models"
	"liqguard/internal/risk"
	"liqguard/internal/throttle"
)

// DefaultThresholds converts the configured thresholds.
func (c *Config) DefaultThresholds() models.Thresholds {
	return models.Thresholds{
		Warning:  decimal.NewFromFloat(c.Thresholds.Warning),
		Critical: decimal.NewFromFloat(c.Thresholds.Critical),
		Urgent:   decimal.NewFromFloat(c.Thresholds.Urgent),
	}
}

// RiskParams converts the evaluator settings.
func (c *Config) RiskParams() risk.Params {
	return risk.Params{
		MaintenanceMarginRatio:  decimal.NewFromFloat(c.Risk.MaintenanceMarginRatio),
		DefaultHourlyVolatility: decimal.NewFromFloat(c.Risk.DefaultHourlyVolatility),
		TargetRatioPct:          decimal.NewFromFloat(c.Risk.TargetRatioPct),
		StopBuffer:              decimal.NewFromFloat(c.Risk.StopBuffer),
		EstimatedLeverage:       decimal.NewFromFloat(c.Risk.EstimatedLeverage),
	}
}

// ThrottleIntervals converts the alert cooldowns.
func (c *Config) ThrottleIntervals() throttle.Intervals {
	return throttle.Intervals{
		Warning:  c.Alerting.Cooldown.Warning,
		Critical: c.Alerting.Cooldown.Critical,
		Urgent:   c.Alerting.Cooldown.Urgent,
	}
}

// FeedConfig converts the websocket settings.
func (c *Config) FeedConfig() feed.Config {
	return feed.Config{
		URL:              c.Feed.URL,
		InitialDelay:     c.Feed.InitialDelay,
		MaxDelay:         c.Feed.MaxDelay,
		Multiplier:       c.Feed.Multiplier,
		PingInterval:     c.Feed.PingInterval,
		PingTimeout:      c.Feed.PingTimeout,
		HandshakeTimeout: c.Feed.HandshakeTimeout,
	}
}

// MarketOptions converts the REST client settings.
func (c *Config) MarketOptions() market.Options {
	return market.Options{
		BaseURL:        c.Market.BaseURL,
		Timeout:        c.Market.RequestTimeout,
		UserAgent:      c.Market.UserAgent,
		RequestSpacing: c.Market.RequestSpacing,
		Retries:        c.Market.Retries,
		MaxRetryAfter:  c.Market.MaxRetryAfter,
	}
}
