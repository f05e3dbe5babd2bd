package pool

import "time"

// defaultTemplate is the starting configuration before type and cost-mode
// tuning, used when no per-service override exists.
func defaultTemplate() Config {
	return Config{
		MinConnections:        2,
		MaxConnections:        25,
		InitialConnections:    5,
		ConnectTimeout:        3 * time.Second,
		IdleTimeout:           2 * time.Minute,
		MaxRetries:            3,
		RetryBackoff:          250 * time.Millisecond,
		CostMode:              ModeBalanced,
		TargetUtilizationPct:  70,
		ScaleUpThresholdPct:   80,
		ScaleDownThresholdPct: 30,
		ResponseTimeAlertMs:   1000,
	}
}

// tuneForType overlays resource-type-specific defaults: a cache store
// favors short timeouts and moderate ceilings, a relational store higher
// ceilings and longer idle timeouts, an RPC endpoint aggressive retry with
// a moderate timeout.
func tuneForType(cfg Config, rt ResourceType) Config {
	switch rt {
	case TypeCacheStore:
		cfg.MinConnections = 2
		cfg.MaxConnections = 20
		cfg.ConnectTimeout = 1 * time.Second
		cfg.IdleTimeout = 1 * time.Minute
		cfg.MaxRetries = 2
		cfg.ResponseTimeAlertMs = 100

	case TypeRelationalStore:
		cfg.MinConnections = 5
		cfg.MaxConnections = 50
		cfg.ConnectTimeout = 5 * time.Second
		cfg.IdleTimeout = 10 * time.Minute
		cfg.MaxRetries = 3
		cfg.ResponseTimeAlertMs = 500

	case TypeRPCEndpoint:
		cfg.MinConnections = 2
		cfg.MaxConnections = 30
		cfg.ConnectTimeout = 3 * time.Second
		cfg.IdleTimeout = 2 * time.Minute
		cfg.MaxRetries = 5
		cfg.RetryBackoff = 500 * time.Millisecond
		cfg.ResponseTimeAlertMs = 2000

	case TypeHTTP:
		cfg.MinConnections = 2
		cfg.MaxConnections = 40
		cfg.ConnectTimeout = 2 * time.Second
		cfg.IdleTimeout = 90 * time.Second
		cfg.MaxRetries = 3
		cfg.ResponseTimeAlertMs = 1500

	case TypeMessageStream:
		cfg.MinConnections = 1
		cfg.MaxConnections = 10
		cfg.ConnectTimeout = 2 * time.Second
		cfg.IdleTimeout = 5 * time.Minute
		cfg.MaxRetries = 5
		cfg.ResponseTimeAlertMs = 1000

	case TypeRPCChannel:
		cfg.MinConnections = 1
		cfg.MaxConnections = 15
		cfg.ConnectTimeout = 3 * time.Second
		cfg.IdleTimeout = 3 * time.Minute
		cfg.MaxRetries = 4
		cfg.ResponseTimeAlertMs = 2000
	}

	if cfg.InitialConnections < cfg.MinConnections {
		cfg.InitialConnections = cfg.MinConnections
	}
	if cfg.InitialConnections > cfg.MaxConnections {
		cfg.InitialConnections = cfg.MaxConnections
	}
	return cfg
}

// tuneForCostMode applies the cost-optimization mode on top of the typed
// configuration. Conservative buys reliability, Aggressive buys savings,
// Custom takes thresholds verbatim.
func tuneForCostMode(cfg Config) Config {
	switch cfg.CostMode {
	case ModeConservative:
		cfg.MinConnections *= 2
		cfg.TargetUtilizationPct = 50
		cfg.ScaleUpThresholdPct = 70
		cfg.ScaleDownThresholdPct = 20

	case ModeBalanced:
		cfg.TargetUtilizationPct = 70
		cfg.ScaleUpThresholdPct = 80
		cfg.ScaleDownThresholdPct = 30

	case ModeAggressive:
		cfg.MinConnections /= 2
		if cfg.MinConnections < 1 {
			cfg.MinConnections = 1
		}
		cfg.MaxConnections = cfg.MaxConnections * 3 / 4
		if cfg.MaxConnections < cfg.MinConnections {
			cfg.MaxConnections = cfg.MinConnections
		}
		cfg.IdleTimeout /= 2
		cfg.TargetUtilizationPct = 85
		cfg.ScaleUpThresholdPct = 90
		cfg.ScaleDownThresholdPct = 40

	case ModeCustom:
		if cfg.Custom == nil {
			break
		}
		cfg.TargetUtilizationPct = cfg.Custom.TargetUtilizationPct
		cfg.ScaleUpThresholdPct = cfg.Custom.ScaleUpThresholdPct
		cfg.ScaleDownThresholdPct = cfg.Custom.ScaleDownThresholdPct
		if cfg.Custom.MaxConnections > 0 {
			cfg.MaxConnections = cfg.Custom.MaxConnections
		}
	}

	if cfg.InitialConnections < cfg.MinConnections {
		cfg.InitialConnections = cfg.MinConnections
	}
	if cfg.InitialConnections > cfg.MaxConnections {
		cfg.InitialConnections = cfg.MaxConnections
	}
	return cfg
}
