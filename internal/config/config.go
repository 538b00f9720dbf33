package config

import (
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	// Adapter selection: websocket, ec600, generic_mqtt, or mock.
	Adapter string `env:"ADAPTER" envDefault:"websocket"`

	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	WSHost         string `env:"WS_HOST" envDefault:"0.0.0.0"`
	WSPort         int    `env:"WS_PORT" envDefault:"18791"`
	WSRequireToken bool   `env:"WS_REQUIRE_TOKEN" envDefault:"false"`
	WSToken        string `env:"WS_TOKEN"`

	MQTT        MQTTConfig
	ControlAPI  ControlAPIConfig
	DigitalTask DigitalTaskConfig
	Audio       AudioConfig
	Safety      SafetyConfig
	Interaction InteractionConfig

	// Device auth gate.
	DeviceAuthEnabled       bool `env:"DEVICE_AUTH_ENABLED" envDefault:"false"`
	AllowUnboundDevices     bool `env:"ALLOW_UNBOUND_DEVICES" envDefault:"true"`
	RequireActivatedDevices bool `env:"REQUIRE_ACTIVATED_DEVICES" envDefault:"false"`

	TTSMode             string `env:"TTS_MODE" envDefault:"device_text"`
	TTSAudioChunkBytes  int    `env:"TTS_AUDIO_CHUNK_BYTES" envDefault:"3600"`
	NoHeartbeatTimeoutS int    `env:"NO_HEARTBEAT_TIMEOUT_S" envDefault:"120"`
	PacketMagic         byte   `env:"PACKET_MAGIC" envDefault:"161"`

	DeviceProfile     string `env:"DEVICE_PROFILE" envDefault:"generic"`
	DeviceProfileFile string `env:"DEVICE_PROFILE_FILE"`

	LifelogDBPath       string `env:"LIFELOG_DB_PATH" envDefault:"./data/lifelog.db"`
	ObservabilityDBPath string `env:"OBSERVABILITY_DB_PATH" envDefault:"./data/observability.db"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

type MQTTConfig struct {
	Host                 string        `env:"MQTT_HOST" envDefault:"127.0.0.1"`
	Port                 int           `env:"MQTT_PORT" envDefault:"1883"`
	ClientID             string        `env:"MQTT_CLIENT_ID" envDefault:"opencane-gateway"`
	Username             string        `env:"MQTT_USERNAME"`
	Password             string        `env:"MQTT_PASSWORD"`
	Keepalive            time.Duration `env:"MQTT_KEEPALIVE" envDefault:"60s"`
	ReconnectMin         time.Duration `env:"MQTT_RECONNECT_MIN" envDefault:"1s"`
	ReconnectMax         time.Duration `env:"MQTT_RECONNECT_MAX" envDefault:"30s"`
	QoSControl           byte          `env:"MQTT_QOS_CONTROL" envDefault:"1"`
	QoSAudio             byte          `env:"MQTT_QOS_AUDIO" envDefault:"0"`
	UpControlTopic       string        `env:"MQTT_UP_CONTROL_TOPIC" envDefault:"device/+/up/control"`
	UpAudioTopic         string        `env:"MQTT_UP_AUDIO_TOPIC" envDefault:"device/+/up/audio"`
	DownControlTopic     string        `env:"MQTT_DOWN_CONTROL_TOPIC" envDefault:"device/{device_id}/down/control"`
	DownAudioTopic       string        `env:"MQTT_DOWN_AUDIO_TOPIC" envDefault:"device/{device_id}/down/audio"`
	HeartbeatTopic       string        `env:"MQTT_HEARTBEAT_TOPIC"`
	HeartbeatInterval    time.Duration `env:"MQTT_HEARTBEAT_INTERVAL" envDefault:"30s"`
	OfflineControlBuffer int           `env:"MQTT_OFFLINE_CONTROL_BUFFER" envDefault:"64"`
	ControlReplayWindow  int           `env:"MQTT_CONTROL_REPLAY_WINDOW" envDefault:"32"`
	ReplayEnabled        bool          `env:"MQTT_REPLAY_ENABLED" envDefault:"true"`
}

type ControlAPIConfig struct {
	AuthEnabled             bool          `env:"CONTROL_API_AUTH_ENABLED" envDefault:"false"`
	AuthToken               string        `env:"CONTROL_API_AUTH_TOKEN"`
	RateLimitEnabled        bool          `env:"CONTROL_API_RATE_LIMIT_ENABLED" envDefault:"true"`
	RateLimitRPM            int           `env:"CONTROL_API_RATE_LIMIT_RPM" envDefault:"600"`
	RateLimitBurst          int           `env:"CONTROL_API_RATE_LIMIT_BURST" envDefault:"120"`
	RateLimitWindow         time.Duration `env:"CONTROL_API_RATE_LIMIT_WINDOW" envDefault:"60s"`
	ReplayProtectionEnabled bool          `env:"CONTROL_API_REPLAY_PROTECTION_ENABLED" envDefault:"false"`
	ReplayWindow            time.Duration `env:"CONTROL_API_REPLAY_WINDOW" envDefault:"300s"`
	MaxRequestBodyBytes     int64         `env:"CONTROL_API_MAX_REQUEST_BODY_BYTES" envDefault:"12582912"`
	ObservabilityMaxSamples int           `env:"CONTROL_API_OBSERVABILITY_MAX_SAMPLES" envDefault:"4000"`
}

type DigitalTaskConfig struct {
	SQLitePath            string        `env:"DIGITAL_TASK_SQLITE_PATH" envDefault:"./data/digital_tasks.db"`
	DefaultTimeoutSeconds int           `env:"DIGITAL_TASK_DEFAULT_TIMEOUT_SECONDS" envDefault:"120"`
	MaxConcurrentTasks    int           `env:"DIGITAL_TASK_MAX_CONCURRENT" envDefault:"3"`
	StatusRetryCount      int           `env:"DIGITAL_TASK_STATUS_RETRY_COUNT" envDefault:"2"`
	StatusRetryBackoff    time.Duration `env:"DIGITAL_TASK_STATUS_RETRY_BACKOFF" envDefault:"500ms"`
}

type AudioConfig struct {
	MaxBytes         int  `env:"AUDIO_MAX_BYTES" envDefault:"2097152"`
	JitterWindow     int  `env:"AUDIO_JITTER_WINDOW" envDefault:"8"`
	VADEnabled       bool `env:"AUDIO_VAD_ENABLED" envDefault:"true"`
	VADSilenceChunks int  `env:"AUDIO_VAD_SILENCE_CHUNKS" envDefault:"6"`
	PrebufferChunks  int  `env:"AUDIO_PREBUFFER_CHUNKS" envDefault:"4"`
}

type SafetyConfig struct {
	MaxOutputChars      int     `env:"SAFETY_MAX_OUTPUT_CHARS" envDefault:"160"`
	ConfidenceThreshold float64 `env:"SAFETY_CONFIDENCE_THRESHOLD" envDefault:"0.5"`
}

type InteractionConfig struct {
	QuietHoursStart  int    `env:"INTERACTION_QUIET_HOURS_START" envDefault:"-1"`
	QuietHoursEnd    int    `env:"INTERACTION_QUIET_HOURS_END" envDefault:"-1"`
	ProactiveSources string `env:"INTERACTION_PROACTIVE_SOURCES" envDefault:"vision_alert,task_update"`
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile   string
	HTTPAddr  string
	LogLevel  string
	Adapter   string
	MQTTHost  string
	LifelogDB string
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
	if overrides.Adapter != "" {
		cfg.Adapter = overrides.Adapter
	}
	if overrides.MQTTHost != "" {
		cfg.MQTT.Host = overrides.MQTTHost
	}
	if overrides.LifelogDB != "" {
		cfg.LifelogDBPath = overrides.LifelogDB
	}

	return cfg, nil
}
