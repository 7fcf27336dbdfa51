package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:              "info",
			LogFormat:             "text",
			MaxConcurrentMessages: 5,
		},
		NLU: NLUConfig{
			APIBase:         "https://api.api.ai/v1",
			ProtocolVersion: "20150910",
			Lang:            "en",
			ContextName:     "generic",
			TimeoutSeconds:  30,
		},
		Analytics: AnalyticsConfig{
			APIBase: "https://tracker.dashbot.io",
		},
		Control: ControlConfig{
			Port: 5000,
		},
	}
}
