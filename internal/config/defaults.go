package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		Lark: LarkConfig{
			Domain:         "https://open.larksuite.com",
			WebhookPort:    9090,
			WebhookPath:    "/webhook/event",
			TextChunkLimit: 4000,
		},
		Agent: AgentConfig{
			Command:        "clawdbot",
			Session:        "main",
			TimeoutSeconds: 60,
		},
		Dedup: DedupConfig{
			TTLSeconds: 60,
			MaxEntries: 10000,
		},
		Relay: RelayConfig{
			MaxConcurrent: 4,
			BusBuffer:     100,
		},
		History: HistoryConfig{
			Enabled:       true,
			DBPath:        "~/.larkrelay/history.db",
			RetentionDays: 30,
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "/metrics",
		},
	}
}
