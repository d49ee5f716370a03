package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		CRM: CRMConfig{
			APIBaseURL:         "http://localhost:3000",
			TimeoutSeconds:     30,
			MaxRetries:         2,
			RetryBaseMillis:    500,
			RateLimitPerMinute: 120,
			RateLimitBurst:     10,
		},
		Suggest: SuggestConfig{
			Provider: "crm",
			OpenAI: OpenAIConfig{
				Model:       "gpt-4o-mini",
				Temperature: 0.4,
			},
		},
		Store: StoreConfig{
			Driver: "sqlite",
			DBPath: "~/.alfred/alfred.db",
		},
		Loop: LoopConfig{
			Concurrency: 4,
			BusSize:     100,
		},
		Server: ServerConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    3000,
		},
		Scheduler: SchedulerConfig{
			Enabled:           false,
			LeadsColdSpec:     "@every 1h",
			SentimentSpec:     "@every 5m",
			RunTimeoutSeconds: 300,
		},
		NATS: NATSConfig{
			Enabled: false,
			URL:     "nats://127.0.0.1:4222",
			Subject: "alfred.inbound",
			Queue:   "alfred-agents",
		},
		Telegram: TelegramConfig{
			Enabled: false,
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}
