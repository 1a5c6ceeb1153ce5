package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir:  "~/.wasender",
			LogLevel: "info",
			LogFile:  "log.txt",
		},
		Browser: BrowserConfig{
			BaseURL:    "https://web.whatsapp.com",
			ProfileDir: "~/.wasender/chrome-profile",
			Headless:   false,
		},
		Dispatch: DispatchConfig{
			DefaultCountryCode:   "65",
			ConfirmAttempts:      20,
			PollIntervalMs:       1000,
			SettleDelayMs:        1000,
			PasteDelayMs:         1000,
			DocumentStageDelayMs: 1000,
			SignOutDelayMs:       5000,
			HumanWaitSeconds:     0,
			MinIntervalMs:        0,
			IncludeUnconfirmed:   false,
		},
		Attachments: AttachmentsConfig{
			FetchTimeoutSeconds: 30,
			FetchRetries:        2,
			MaxImageBytes:       16 * 1024 * 1024,
		},
		Store: StoreConfig{
			Enabled: true,
			DBPath:  "~/.wasender/wasender.db",
		},
		Monitor: MonitorConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    9464,
		},
	}
}
