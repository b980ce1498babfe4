package config

import (
	"github.com/knadh/koanf/v2"
)

func loadDefaults(k *koanf.Koanf) {
	defaults := map[string]any{
		"data_dir": "local-data",

		"service.request_timeout": "30s",
		"service.status_retries":  2,

		"poll.initial_delay": "20s",
		"poll.interval":      "10s",
		"poll.max_interval":  "1m",
		"poll.max_duration":  "2h",
		"poll.fallback_name": "your agent",

		"registry.driver":       "sqlite",
		"registry.redis_prefix": "agentbuild",

		"server.addr": ":8080",

		"artifacts.download": false,

		"logging.level":  "info",
		"logging.format": "console",
	}

	for key, val := range defaults {
		k.Set(key, val)
	}
}
