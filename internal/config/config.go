// Package config loads the core's sectioned key/value configuration file
// using viper, mapping section.key addressing (general.url,
// vad.start_speaking_ms, ...) onto viper's native dotted-key INI support.
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// AuthMode selects how the Conversation Client authenticates its handshake.
type AuthMode string

const (
	AuthNone           AuthMode = "none"
	AuthBearer         AuthMode = "bearer"
	AuthCookie         AuthMode = "cookie"
	AuthHomeAssistant  AuthMode = "home_assistant"
	AuthOAuth2         AuthMode = "oauth2"
)

// General holds the conversation connection and locale settings.
type General struct {
	URL             string   `mapstructure:"url"`
	AccessToken     string   `mapstructure:"accessToken"`
	ConversationID  string   `mapstructure:"conversationId"`
	NLURL           string   `mapstructure:"nlUrl"`
	Locale          string   `mapstructure:"locale"`
	AuthMode        AuthMode `mapstructure:"authMode"`
	RetryIntervalMS int      `mapstructure:"retry_interval_ms"`
}

// Audio holds capture/playback device selection and preprocessing flags.
type Audio struct {
	Backend     string `mapstructure:"backend"`
	Input       string `mapstructure:"input"`
	Sink        string `mapstructure:"sink"`
	Output      string `mapstructure:"output"`
	Voice       string `mapstructure:"voice"`
	Stereo2Mono bool   `mapstructure:"stereo2mono"`
	ECEnabled   bool   `mapstructure:"ec_enabled"`
	ECLoopback  bool   `mapstructure:"ec_loopback"`
	OutputFIFO  string `mapstructure:"output_fifo"`
}

// VAD holds the capture pipeline's endpointing timings.
type VAD struct {
	StartSpeakingMS        int `mapstructure:"start_speaking_ms"`
	DoneSpeakingMS         int `mapstructure:"done_speaking_ms"`
	InputDetectedNoiseMS   int `mapstructure:"input_detected_noise_ms"`
	ListenTimeoutMS        int `mapstructure:"listen_timeout_ms"`
}

// Wakeword holds the wake-word detector's model paths and tuning.
type Wakeword struct {
	LibraryPath string  `mapstructure:"library_path"`
	ModelPath   string  `mapstructure:"model_path"`
	KeywordPath string  `mapstructure:"keyword_path"`
	Sensitivity float64 `mapstructure:"sensitivity"`
	Pattern     string  `mapstructure:"pattern"`
}

// Sounds maps cue kinds to asset filenames, relative to the asset directory.
type Sounds struct {
	Wake              string `mapstructure:"wake"`
	NoInput           string `mapstructure:"no_input"`
	TooMuchInput      string `mapstructure:"too_much_input"`
	NewsIntro         string `mapstructure:"news_intro"`
	AlarmClockElapsed string `mapstructure:"alarm_clock_elapsed"`
	Working           string `mapstructure:"working"`
	STTError          string `mapstructure:"stt_error"`
}

// LED describes one named LED state's animation.
type LED struct {
	Effect string `mapstructure:"effect"` // none, solid, circular, pulse
	Color  uint32 `mapstructure:"color"`  // 24-bit RGB
}

// Config is the fully parsed, defaulted, and bounds-checked configuration.
type Config struct {
	General  General        `mapstructure:"general"`
	Audio    Audio          `mapstructure:"audio"`
	VAD      VAD            `mapstructure:"vad"`
	Wakeword Wakeword       `mapstructure:"wakeword"`
	Sounds   Sounds         `mapstructure:"sounds"`
	LEDs     map[string]LED `mapstructure:"leds"`
}

// Load reads the INI file at path and returns a validated Config. Defaults
// from §6 are applied for every key not present in the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("ini")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.url", "wss://example.invalid/me/api/conversation")
	v.SetDefault("general.locale", "en-US")
	v.SetDefault("general.authMode", string(AuthNone))
	v.SetDefault("general.retry_interval_ms", 3000)

	v.SetDefault("vad.start_speaking_ms", 2000)
	v.SetDefault("vad.done_speaking_ms", 300)
	v.SetDefault("vad.input_detected_noise_ms", 300)
	v.SetDefault("vad.listen_timeout_ms", 10000)

	v.SetDefault("wakeword.sensitivity", 0.7)
}

// validate enforces the bounded config fields. Values outside their
// documented bounds are configuration errors: the core fails
// startup rather than silently clamping a safety-relevant timing.
func validate(cfg *Config) error {
	if cfg.General.URL == "" {
		return fmt.Errorf("config: general.url is required")
	}
	switch cfg.General.AuthMode {
	case AuthNone, AuthBearer, AuthCookie, AuthHomeAssistant, AuthOAuth2:
	default:
		return fmt.Errorf("config: general.authMode %q is not one of none|bearer|cookie|home_assistant|oauth2", cfg.General.AuthMode)
	}
	if cfg.VAD.StartSpeakingMS < 100 || cfg.VAD.StartSpeakingMS > 5000 {
		return fmt.Errorf("config: vad.start_speaking_ms %d out of bounds [100,5000]", cfg.VAD.StartSpeakingMS)
	}
	if cfg.VAD.ListenTimeoutMS < 1000 || cfg.VAD.ListenTimeoutMS > 100000 {
		return fmt.Errorf("config: vad.listen_timeout_ms %d out of bounds [1000,100000]", cfg.VAD.ListenTimeoutMS)
	}
	return nil
}
