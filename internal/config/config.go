package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	// Empty keeps jobs in memory.
	DatabaseURL string `env:"DATABASE_URL"`

	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"60s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
	MaxUploadMB  int64         `env:"MAX_UPLOAD_MB" envDefault:"512"`

	AuthToken string `env:"AUTH_TOKEN"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`

	// Empty allows any origin.
	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:","`

	AudioDir string   `env:"AUDIO_DIR" envDefault:"./audio"`
	S3       S3Config `envPrefix:"S3_"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	MQTTBrokerURL   string `env:"MQTT_BROKER_URL"`
	MQTTClientID    string `env:"MQTT_CLIENT_ID" envDefault:"transcript-engine"`
	MQTTUsername    string `env:"MQTT_USERNAME"`
	MQTTPassword    string `env:"MQTT_PASSWORD"`
	MQTTTopicPrefix string `env:"MQTT_TOPIC_PREFIX" envDefault:"transcript-engine"`

	// Audio files dropped here become jobs.
	WatchDir string `env:"WATCH_DIR"`

	STTProvider     string `env:"STT_PROVIDER" envDefault:"whisper"`
	WhisperURL      string `env:"WHISPER_URL" envDefault:"http://localhost:8000/v1/audio/transcriptions"`
	WhisperModel    string `env:"WHISPER_MODEL" envDefault:"large-v3"`
	WhisperLanguage string `env:"WHISPER_LANGUAGE"`
	WhisperPrompt   string `env:"WHISPER_PROMPT"`
	WhisperAPIKey   string `env:"WHISPER_API_KEY"`
	DeepInfraAPIKey string `env:"DEEPINFRA_API_KEY"`
	DeepInfraModel  string `env:"DEEPINFRA_MODEL" envDefault:"openai/whisper-large-v3-turbo"`

	DiarizeProvider  string `env:"DIARIZE_PROVIDER" envDefault:"http"`
	DiarizeURL       string `env:"DIARIZE_URL" envDefault:"http://localhost:8001"`
	DiarizeAPIKey    string `env:"DIARIZE_API_KEY"`
	ElevenLabsAPIKey string `env:"ELEVENLABS_API_KEY"`
	ElevenLabsModel  string `env:"ELEVENLABS_MODEL" envDefault:"scribe_v1"`

	LLMURL    string `env:"LLM_URL" envDefault:"https://api.openai.com/v1"`
	LLMAPIKey string `env:"LLM_API_KEY"`
	LLMModel  string `env:"LLM_MODEL" envDefault:"gpt-4o-mini"`

	Workers          int           `env:"WORKERS" envDefault:"2"`
	QueueSize        int           `env:"QUEUE_SIZE" envDefault:"100"`
	StageTimeout     time.Duration `env:"STAGE_TIMEOUT" envDefault:"10m"`
	RetryMaxAttempts int           `env:"RETRY_MAX_ATTEMPTS" envDefault:"4"`
	RetryBaseDelay   time.Duration `env:"RETRY_BASE_DELAY" envDefault:"2s"`
	RetryMaxDelay    time.Duration `env:"RETRY_MAX_DELAY" envDefault:"30s"`
	AutoAdvance      bool          `env:"AUTO_ADVANCE" envDefault:"true"`

	AlignGapTolerance   float64 `env:"ALIGN_GAP_TOLERANCE" envDefault:"1.0"`
	AlignMinDuration    float64 `env:"ALIGN_MIN_DURATION" envDefault:"3.0"`
	AlignMaxDuration    float64 `env:"ALIGN_MAX_DURATION" envDefault:"25"`
	AlignDefaultSpeaker string  `env:"ALIGN_DEFAULT_SPEAKER" envDefault:"SPEAKER_UNKNOWN"`

	// 0 keeps jobs forever.
	Retention time.Duration `env:"RETENTION" envDefault:"0s"`
}

// S3Config enables S3-compatible audio storage when Bucket is set.
type S3Config struct {
	Bucket    string `env:"BUCKET"`
	Endpoint  string `env:"ENDPOINT"`
	Region    string `env:"REGION" envDefault:"us-east-1"`
	AccessKey string `env:"ACCESS_KEY"`
	SecretKey string `env:"SECRET_KEY"`
	Prefix    string `env:"PREFIX"`

	// LocalCache keeps AUDIO_DIR as the primary copy and S3 as backup.
	LocalCache     bool          `env:"LOCAL_CACHE" envDefault:"true"`
	CacheRetention time.Duration `env:"CACHE_RETENTION" envDefault:"720h"`
	CacheMaxGB     int           `env:"CACHE_MAX_GB" envDefault:"0"`
	UploadWorkers  int           `env:"UPLOAD_WORKERS" envDefault:"2"`
}

func (c S3Config) Enabled() bool { return c.Bucket != "" }

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile     string
	HTTPAddr    string
	LogLevel    string
	DatabaseURL string
	AudioDir    string
	WatchDir    string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.DatabaseURL != "" {
		cfg.DatabaseURL = overrides.DatabaseURL
	}
	if overrides.AudioDir != "" {
		cfg.AudioDir = overrides.AudioDir
	}
	if overrides.WatchDir != "" {
		cfg.WatchDir = overrides.WatchDir
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects combinations the service cannot start with.
func (c *Config) Validate() error {
	switch c.STTProvider {
	case "whisper":
		if c.WhisperURL == "" {
			return fmt.Errorf("WHISPER_URL is required when STT_PROVIDER=whisper")
		}
	case "deepinfra":
		if c.DeepInfraAPIKey == "" {
			return fmt.Errorf("DEEPINFRA_API_KEY is required when STT_PROVIDER=deepinfra")
		}
	default:
		return fmt.Errorf("STT_PROVIDER must be whisper or deepinfra, got %q", c.STTProvider)
	}

	switch c.DiarizeProvider {
	case "http":
		if c.DiarizeURL == "" {
			return fmt.Errorf("DIARIZE_URL is required when DIARIZE_PROVIDER=http")
		}
	case "elevenlabs":
		if c.ElevenLabsAPIKey == "" {
			return fmt.Errorf("ELEVENLABS_API_KEY is required when DIARIZE_PROVIDER=elevenlabs")
		}
	default:
		return fmt.Errorf("DIARIZE_PROVIDER must be http or elevenlabs, got %q", c.DiarizeProvider)
	}

	if c.Workers < 1 {
		return fmt.Errorf("WORKERS must be at least 1, got %d", c.Workers)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("QUEUE_SIZE must be at least 1, got %d", c.QueueSize)
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1, got %d", c.RetryMaxAttempts)
	}
	if c.AlignMaxDuration <= 0 {
		return fmt.Errorf("ALIGN_MAX_DURATION must be positive, got %v", c.AlignMaxDuration)
	}
	if c.AlignGapTolerance < 0 || c.AlignMinDuration < 0 {
		return fmt.Errorf("ALIGN_GAP_TOLERANCE and ALIGN_MIN_DURATION must not be negative")
	}
	if c.S3.Enabled() && (c.S3.AccessKey == "" || c.S3.SecretKey == "") {
		return fmt.Errorf("S3_ACCESS_KEY and S3_SECRET_KEY are required when S3_BUCKET is set")
	}
	return nil
}
