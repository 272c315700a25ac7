package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"audio":         {"portaudio", "wavfile"},
	"vad":           {"silero", "energy", "none"},
	"transcription": {"groq", "openai", "whisper", "whisper-native", "deepgram"},
}

// Defaults.
const (
	DefaultListenAddr             = ":9464"
	DefaultSampleRate             = 16000
	DefaultFrameSize              = 512
	DefaultChannels               = 1
	DefaultSilenceSeconds         = 1.25
	DefaultNoiseMargin            = 2000
	DefaultCalibrationSeconds     = 3
	DefaultPreRollFrames          = 3
	DefaultFrameQueueCapacity     = 256
	DefaultUtteranceQueueCapacity = 8
	DefaultShutdownFlushTimeout   = 15 * time.Second
	DefaultSessionDir             = "recordings/sessions"
	DefaultS3Region               = "us-east-1"
	DefaultPhoneticThreshold      = 0.70
	DefaultFuzzyThreshold         = 0.85
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} references in
// API keys and DSNs, applies defaults and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	expandEnv(cfg)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func expandEnv(cfg *Config) {
	expand := func(e *ProviderEntry) {
		e.APIKey = os.ExpandEnv(e.APIKey)
		e.BaseURL = os.ExpandEnv(e.BaseURL)
	}
	expand(&cfg.Providers.Audio)
	expand(&cfg.Providers.VAD)
	expand(&cfg.Providers.Transcription)
	for i := range cfg.Providers.TranscriptionFallbacks {
		expand(&cfg.Providers.TranscriptionFallbacks[i])
	}
	cfg.Session.PostgresDSN = os.ExpandEnv(cfg.Session.PostgresDSN)
	s3 := &cfg.Session.S3
	s3.Endpoint = os.ExpandEnv(s3.Endpoint)
	s3.AccessKeyID = os.ExpandEnv(s3.AccessKeyID)
	s3.SecretAccessKey = os.ExpandEnv(s3.SecretAccessKey)
}

// ApplyDefaults fills every unset field with its default.
func ApplyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	a := &cfg.Audio
	if a.SampleRate == 0 {
		a.SampleRate = DefaultSampleRate
	}
	if a.FrameSize == 0 {
		a.FrameSize = DefaultFrameSize
	}
	if a.Channels == 0 {
		a.Channels = DefaultChannels
	}

	s := &cfg.Segmenter
	if s.SilenceDurationSeconds == 0 {
		s.SilenceDurationSeconds = DefaultSilenceSeconds
	}
	if s.NoiseSensitivityMargin == 0 {
		s.NoiseSensitivityMargin = DefaultNoiseMargin
	}
	if s.CalibrationDurationSeconds == 0 {
		s.CalibrationDurationSeconds = DefaultCalibrationSeconds
	}
	if s.PreRollFrameCount == 0 {
		s.PreRollFrameCount = DefaultPreRollFrames
	}
	if s.PreRollMode == "" {
		s.PreRollMode = PreRollFull
	}
	if s.FrameQueueCapacity == 0 {
		s.FrameQueueCapacity = DefaultFrameQueueCapacity
	}
	if s.UtteranceQueueCapacity == 0 {
		s.UtteranceQueueCapacity = DefaultUtteranceQueueCapacity
	}
	if s.ShutdownFlushTimeout == 0 {
		s.ShutdownFlushTimeout = DefaultShutdownFlushTimeout
	}

	p := &cfg.Providers
	if p.Audio.Name == "" {
		p.Audio.Name = "portaudio"
	}
	if p.VAD.Name == "" {
		p.VAD.Name = "energy"
	}
	if p.Transcription.Name == "" {
		p.Transcription.Name = "groq"
	}

	if cfg.Session.Dir == "" {
		cfg.Session.Dir = DefaultSessionDir
	}
	if cfg.Session.S3.Bucket != "" && cfg.Session.S3.Region == "" {
		cfg.Session.S3.Region = DefaultS3Region
	}

	t := &cfg.Transcription
	if t.PhoneticThreshold == 0 {
		t.PhoneticThreshold = DefaultPhoneticThreshold
	}
	if t.FuzzyThreshold == 0 {
		t.FuzzyThreshold = DefaultFuzzyThreshold
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Version != 0 && cfg.Version != CurrentVersion {
		errs = append(errs, fmt.Errorf("version %d is not supported; want %d", cfg.Version, CurrentVersion))
	}

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Audio
	if cfg.Audio.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", cfg.Audio.SampleRate))
	}
	if cfg.Audio.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("audio.frame_size %d must be positive", cfg.Audio.FrameSize))
	}
	if cfg.Audio.Channels < 0 || cfg.Audio.Channels > 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d is out of range [1, 2]", cfg.Audio.Channels))
	}

	// Segmenter
	s := cfg.Segmenter
	if s.SilenceDurationSeconds < 0 {
		errs = append(errs, fmt.Errorf("segmenter.silence_duration_seconds %.2f must be positive", s.SilenceDurationSeconds))
	}
	if s.NoiseSensitivityMargin < 0 {
		errs = append(errs, fmt.Errorf("segmenter.noise_sensitivity_margin %.0f must not be negative", s.NoiseSensitivityMargin))
	}
	if s.CalibrationDurationSeconds < 0 {
		errs = append(errs, fmt.Errorf("segmenter.calibration_duration_seconds %.2f must be positive", s.CalibrationDurationSeconds))
	}
	if s.FixedThreshold < 0 || s.FixedThreshold > 32768 {
		errs = append(errs, fmt.Errorf("segmenter.fixed_threshold %.0f is out of range [0, 32768]", s.FixedThreshold))
	}
	if s.PreRollFrameCount < 0 {
		errs = append(errs, fmt.Errorf("segmenter.pre_roll_frame_count %d must not be negative", s.PreRollFrameCount))
	}
	if s.PreRollMode != "" && !s.PreRollMode.IsValid() {
		errs = append(errs, fmt.Errorf("segmenter.pre_roll_mode %q is invalid; valid values: full, oldest", s.PreRollMode))
	}
	if s.FrameQueueCapacity < 0 || s.UtteranceQueueCapacity < 0 {
		errs = append(errs, errors.New("segmenter queue capacities must not be negative"))
	}
	if s.ShutdownFlushTimeout < 0 {
		errs = append(errs, fmt.Errorf("segmenter.shutdown_flush_timeout %v must not be negative", s.ShutdownFlushTimeout))
	}

	// Providers
	validateProviderName("audio", cfg.Providers.Audio.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)
	validateProviderName("transcription", cfg.Providers.Transcription.Name)
	if cfg.Providers.Audio.Name == "wavfile" && cfg.Providers.Audio.OptionString("path") == "" {
		errs = append(errs, errors.New("providers.audio.options.path is required for the wavfile source"))
	}
	if cfg.Providers.VAD.Name == "silero" && cfg.Providers.VAD.Model == "" {
		errs = append(errs, errors.New("providers.vad.model must point to the silero ONNX model"))
	}
	if cfg.Providers.Transcription.Name == "whisper-native" && cfg.Providers.Transcription.Model == "" {
		errs = append(errs, errors.New("providers.transcription.model must point to a ggml model file for whisper-native"))
	}
	seen := map[string]string{cfg.Providers.Transcription.Name: "providers.transcription"}
	for i, fb := range cfg.Providers.TranscriptionFallbacks {
		prefix := fmt.Sprintf("providers.transcription_fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		validateProviderName("transcription", fb.Name)
		if prev, ok := seen[fb.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of %s", prefix, fb.Name, prev))
		}
		seen[fb.Name] = prefix
	}

	// Session
	if s3 := cfg.Session.S3; s3.Bucket != "" && (s3.AccessKeyID == "") != (s3.SecretAccessKey == "") {
		errs = append(errs, errors.New("session.s3.access_key_id and secret_access_key must be set together"))
	}

	// Transcription
	t := cfg.Transcription
	if t.PhoneticThreshold < 0 || t.PhoneticThreshold > 1 {
		errs = append(errs, fmt.Errorf("transcription.phonetic_threshold %.2f is out of range [0, 1]", t.PhoneticThreshold))
	}
	if t.FuzzyThreshold < 0 || t.FuzzyThreshold > 1 {
		errs = append(errs, fmt.Errorf("transcription.fuzzy_threshold %.2f is out of range [0, 1]", t.FuzzyThreshold))
	}
	for i, term := range t.Vocabulary {
		if term == "" {
			errs = append(errs, fmt.Errorf("transcription.vocabulary[%d] is empty", i))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or a custom registration",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
