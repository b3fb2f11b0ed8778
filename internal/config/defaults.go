package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
			Locale:   "en",
		},
		User: UserConfig{
			ID:          "${APLEX_USER:-local}",
			DisplayName: "",
		},
		Gemini: GeminiConfig{
			APIKey:     "${GEMINI_API_KEY}",
			APIBase:    "https://generativelanguage.googleapis.com/v1beta",
			ChatModel:  "gemini-3-pro-preview",
			ImageModel: "gemini-2.5-flash-image",
		},
		Speech: SpeechConfig{
			Enabled:        false,
			Voice:          "nova",
			TTSBase:        "https://api.openai.com/v1",
			TTSAPIKey:      "${OPENAI_API_KEY}",
			TTSModel:       "tts-1",
			WhisperBase:    "https://api.openai.com/v1",
			WhisperAPIKey:  "${OPENAI_API_KEY}",
			WhisperModel:   "whisper-1",
			SilenceSeconds: 2,
		},
		Storage: StorageConfig{
			DBPath: "~/.aplex/sessions.db",
		},
		Channels: ChannelsConfig{
			CLI: CLIConfig{
				Enabled: true,
			},
			Web: WebConfig{
				Enabled: false,
				Host:    "127.0.0.1",
				Port:    8080,
			},
		},
	}
}
