package config

import (
	"log"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	internal_callsession "github.com/rapidaai/memorykeeper/api/call-api/internal/callsession"
	internal_media "github.com/rapidaai/memorykeeper/api/call-api/internal/media"
	"github.com/rapidaai/memorykeeper/pkg/configs"
)

const (
	SignalingRedis  = "redis"
	SignalingMemory = "memory"
)

type SignalingConfig struct {
	Driver    string        `mapstructure:"driver" validate:"required,oneof=redis memory"`
	ReadBlock time.Duration `mapstructure:"read_block"`
}

type WebRTCConfig struct {
	ICEServerURLs       []string      `mapstructure:"ice_server_urls"`
	TurnURLs            []string      `mapstructure:"turn_urls"`
	TurnUsername        string        `mapstructure:"turn_username"`
	TurnCredential      string        `mapstructure:"turn_credential"`
	ICETransportPolicy  string        `mapstructure:"ice_transport_policy" validate:"required,oneof=all relay"`
	DisconnectedTimeout time.Duration `mapstructure:"disconnected_timeout"`
	FailedTimeout       time.Duration `mapstructure:"failed_timeout"`
	KeepAliveInterval   time.Duration `mapstructure:"keep_alive_interval"`
}

type MediaConfig struct {
	CameraAllowed     bool   `mapstructure:"camera_allowed"`
	MicrophoneAllowed bool   `mapstructure:"microphone_allowed"`
	DefaultFacing     string `mapstructure:"default_facing" validate:"required,oneof=user environment"`
	VideoWidth        int    `mapstructure:"video_width" validate:"gte=0"`
	VideoHeight       int    `mapstructure:"video_height" validate:"gte=0"`
}

type CallConfig struct {
	TeardownTimeout time.Duration `mapstructure:"teardown_timeout"`
	// zero keeps an unanswered call ringing until someone ends it
	RingTimeout time.Duration `mapstructure:"ring_timeout"`
}

// Application config structure
type AppConfig struct {
	Name     string `mapstructure:"service_name" validate:"required"`
	Version  string `mapstructure:"version" validate:"required"`
	Secret   string `mapstructure:"secret" validate:"required"`
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"required"`
	LogLevel string `mapstructure:"log_level" validate:"required"`
	LogPath  string `mapstructure:"log_path"`
	Env      string `mapstructure:"env" validate:"required"`

	// only validated when the redis signaling driver is used
	RedisConfig    configs.RedisConfig    `mapstructure:"redis" validate:"-"`
	DatabaseConfig configs.DatabaseConfig `mapstructure:"database" validate:"required"`

	Signaling SignalingConfig `mapstructure:"signaling" validate:"required"`
	WebRTC    WebRTCConfig    `mapstructure:"webrtc" validate:"required"`
	Media     MediaConfig     `mapstructure:"media" validate:"required"`
	Call      CallConfig      `mapstructure:"call"`
}

// reading config and intializing configs for application
func InitConfig() (*viper.Viper, error) {
	vConfig := viper.NewWithOptions(viper.KeyDelimiter("__"))

	vConfig.AddConfigPath(".")
	vConfig.SetConfigName(".env")
	path := os.Getenv("ENV_PATH")
	if path != "" {
		log.Printf("env path %v", path)
		vConfig.SetConfigFile(path)
	}
	vConfig.SetConfigType("env")
	vConfig.AutomaticEnv()

	setDefault(vConfig)
	if err := vConfig.ReadInConfig(); err != nil {
		log.Printf("no config file, reading from environment variables")
	}
	return vConfig, nil
}

func setDefault(v *viper.Viper) {
	// keeping watch on https://github.com/spf13/viper/issues/188
	v.SetDefault("SERVICE_NAME", "call-api")
	v.SetDefault("VERSION", "0.0.1")
	v.SetDefault("SECRET", "rpd_pks")
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 9010)
	v.SetDefault("LOG_LEVEL", "debug")
	v.SetDefault("LOG_PATH", "")
	v.SetDefault("ENV", "development")

	v.SetDefault("REDIS__HOST", "localhost")
	v.SetDefault("REDIS__PORT", 6379)
	v.SetDefault("REDIS__DB", 0)
	v.SetDefault("REDIS__USERNAME", "")
	v.SetDefault("REDIS__PASSWORD", "")
	v.SetDefault("REDIS__MAX_CONNECTION", 10)
	v.SetDefault("REDIS__DIAL_TIMEOUT", "5s")

	v.SetDefault("DATABASE__DRIVER", configs.DriverSQLite)
	v.SetDefault("DATABASE__PATH", "memorykeeper.db")
	v.SetDefault("DATABASE__HOST", "")
	v.SetDefault("DATABASE__PORT", 5432)
	v.SetDefault("DATABASE__DB_NAME", "")
	v.SetDefault("DATABASE__AUTH__USER", "")
	v.SetDefault("DATABASE__AUTH__PASSWORD", "")
	v.SetDefault("DATABASE__MAX_OPEN_CONNECTION", 10)
	v.SetDefault("DATABASE__MAX_IDEAL_CONNECTION", 10)
	v.SetDefault("DATABASE__SSL_MODE", "disable")

	v.SetDefault("SIGNALING__DRIVER", SignalingRedis)
	v.SetDefault("SIGNALING__READ_BLOCK", "5s")

	v.SetDefault("WEBRTC__ICE_SERVER_URLS", "stun:stun.l.google.com:19302")
	v.SetDefault("WEBRTC__TURN_URLS", "")
	v.SetDefault("WEBRTC__TURN_USERNAME", "")
	v.SetDefault("WEBRTC__TURN_CREDENTIAL", "")
	v.SetDefault("WEBRTC__ICE_TRANSPORT_POLICY", "all")
	v.SetDefault("WEBRTC__DISCONNECTED_TIMEOUT", "5s")
	v.SetDefault("WEBRTC__FAILED_TIMEOUT", "25s")
	v.SetDefault("WEBRTC__KEEP_ALIVE_INTERVAL", "2s")

	v.SetDefault("MEDIA__CAMERA_ALLOWED", true)
	v.SetDefault("MEDIA__MICROPHONE_ALLOWED", true)
	v.SetDefault("MEDIA__DEFAULT_FACING", string(internal_media.FacingUser))
	v.SetDefault("MEDIA__VIDEO_WIDTH", 640)
	v.SetDefault("MEDIA__VIDEO_HEIGHT", 480)

	v.SetDefault("CALL__TEARDOWN_TIMEOUT", "10s")
	v.SetDefault("CALL__RING_TIMEOUT", "0s")
}

// Getting application config from viper
func GetApplicationConfig(v *viper.Viper) (*AppConfig, error) {
	var config AppConfig
	err := v.Unmarshal(&config)
	if err != nil {
		log.Printf("%+v\n", err)
		return nil, err
	}

	// valdating the app config
	validate := validator.New()
	err = validate.Struct(&config)
	if err != nil {
		log.Printf("%+v\n", err)
		return nil, err
	}
	if config.Signaling.Driver == SignalingRedis {
		if err := validate.Struct(&config.RedisConfig); err != nil {
			log.Printf("%+v\n", err)
			return nil, err
		}
	}
	return &config, nil
}

// WebRTCConfiguration builds the per peer connection settings.
func (c *AppConfig) WebRTCConfiguration() internal_media.Configuration {
	cfg := internal_media.Configuration{ICETransportPolicy: c.WebRTC.ICETransportPolicy}
	if urls := nonEmpty(c.WebRTC.ICEServerURLs); len(urls) > 0 {
		cfg.ICEServers = append(cfg.ICEServers, internal_media.ICEServer{URLs: urls})
	}
	if urls := nonEmpty(c.WebRTC.TurnURLs); len(urls) > 0 {
		cfg.ICEServers = append(cfg.ICEServers, internal_media.ICEServer{
			URLs:       urls,
			Username:   c.WebRTC.TurnUsername,
			Credential: c.WebRTC.TurnCredential,
		})
	}
	return cfg
}

func (c *AppConfig) PionOptions() internal_media.PionOptions {
	return internal_media.PionOptions{
		Permissions: internal_media.Permissions{
			Camera:     c.Media.CameraAllowed,
			Microphone: c.Media.MicrophoneAllowed,
		},
		DisconnectedTimeout: c.WebRTC.DisconnectedTimeout,
		FailedTimeout:       c.WebRTC.FailedTimeout,
		KeepAliveInterval:   c.WebRTC.KeepAliveInterval,
	}
}

func (c *AppConfig) CallSessionConfig() internal_callsession.Config {
	return internal_callsession.Config{
		WebRTC:          c.WebRTCConfiguration(),
		VideoWidth:      c.Media.VideoWidth,
		VideoHeight:     c.Media.VideoHeight,
		DefaultFacing:   internal_media.CameraFacing(c.Media.DefaultFacing),
		TeardownTimeout: c.Call.TeardownTimeout,
		RingTimeout:     c.Call.RingTimeout,
	}
}

func nonEmpty(values []string) []string {
	var out []string
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
