package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const megabyte = 1024 * 1024

type Config struct {
	Database    DatabaseConfig    `yaml:"database"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Image       ImageConfig       `yaml:"image"`
	Video       VideoConfig       `yaml:"video"`
	Engine      EngineConfig      `yaml:"engine"`
	Server      ServerConfig      `yaml:"server"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	Log         LogConfig         `yaml:"log"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // postgres, mysql or memory
	URL    string `yaml:"url"`
}

type RecognitionConfig struct {
	// Threshold is the Euclidean distance a probe must stay strictly below to match.
	Threshold    float64 `yaml:"threshold"`
	EmbeddingDim int     `yaml:"embedding_dim"` // 0 infers the dimension from the first stored embedding
	Workers      int     `yaml:"workers"`
}

type ImageConfig struct {
	MaxBytes     int64 `yaml:"max_bytes"`
	MaxDimension int   `yaml:"max_dimension"`
}

type VideoConfig struct {
	MaxBytes int64         `yaml:"max_bytes"`
	NthFrame int           `yaml:"nth_frame"`
	MaxWidth int           `yaml:"max_width"`
	Budget   time.Duration `yaml:"budget"`
	Decoder  string        `yaml:"decoder"` // ffmpeg or gocv
}

type EngineConfig struct {
	Kind        string        `yaml:"kind"` // worker, pigo or dlib
	Python      string        `yaml:"python"`
	Script      string        `yaml:"script"`
	Workers     int           `yaml:"workers"`
	Timeout     time.Duration `yaml:"timeout"`
	PigoCascade string        `yaml:"pigo_cascade"`
	ModelsDir   string        `yaml:"models_dir"`
}

type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	JWTKey            string        `yaml:"jwt_key"`
	TokenTTL          time.Duration `yaml:"token_ttl"`
	AdminUser         string        `yaml:"admin_user"`
	AdminPasswordHash string        `yaml:"admin_password_hash"`
	AllowedOrigins    []string      `yaml:"allowed_origins"`
	TempDir           string        `yaml:"temp_dir"`
	MediaDir          string        `yaml:"media_dir"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	TempMaxAge        time.Duration `yaml:"temp_max_age"`
}

type MQTTConfig struct {
	Broker   string `yaml:"broker"` // empty disables event publishing
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// Default returns the configuration used when nothing else is set.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Driver: "postgres"},
		Recognition: RecognitionConfig{
			Threshold:    0.5,
			EmbeddingDim: 128,
			Workers:      1,
		},
		Image: ImageConfig{MaxBytes: 10 * megabyte, MaxDimension: 2000},
		Video: VideoConfig{
			MaxBytes: 50 * megabyte,
			NthFrame: 5,
			MaxWidth: 640,
			Budget:   30 * time.Second,
			Decoder:  "ffmpeg",
		},
		Engine: EngineConfig{
			Kind:    "worker",
			Python:  "python3",
			Script:  "python/worker.py",
			Workers: 1,
			Timeout: 30 * time.Second,
		},
		Server: ServerConfig{
			Addr:          ":8080",
			TokenTTL:      12 * time.Hour,
			AdminUser:     "admin",
			TempDir:       os.TempDir(),
			MediaDir:      "media",
			SweepInterval: 10 * time.Minute,
			TempMaxAge:    time.Hour,
		},
		MQTT: MQTTConfig{Topic: "rollcall/attendance", ClientID: "rollcall"},
		Log:  LogConfig{Level: "info", Format: "text"},
	}
}

// Load builds the configuration from defaults, a .env file, the environment
// and, when path is not empty, a YAML file. Later sources win.
func Load(path string) (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg := Default()
	cfg.applyEnv()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Database.Driver = envString("DATABASE_DRIVER", c.Database.Driver)
	c.Database.URL = envString("DATABASE_URL", c.Database.URL)
	if c.Database.URL == "" && c.Database.Driver == "postgres" {
		c.Database.URL = postgresURLFromEnv()
	}

	c.Recognition.Threshold = envFloat("MATCH_THRESHOLD", c.Recognition.Threshold)
	c.Recognition.EmbeddingDim = envInt("EMBEDDING_DIM", c.Recognition.EmbeddingDim)
	c.Recognition.Workers = envInt("RECOGNITION_WORKERS", c.Recognition.Workers)

	c.Image.MaxBytes = int64(envInt("IMAGE_MAX_BYTES", int(c.Image.MaxBytes)))
	c.Image.MaxDimension = envInt("IMAGE_MAX_DIMENSION", c.Image.MaxDimension)

	c.Video.MaxBytes = int64(envInt("VIDEO_MAX_BYTES", int(c.Video.MaxBytes)))
	c.Video.NthFrame = envInt("VIDEO_NTH_FRAME", c.Video.NthFrame)
	c.Video.MaxWidth = envInt("VIDEO_MAX_WIDTH", c.Video.MaxWidth)
	c.Video.Budget = envDuration("VIDEO_BUDGET", c.Video.Budget)
	c.Video.Decoder = envString("VIDEO_DECODER", c.Video.Decoder)

	c.Engine.Kind = envString("ENGINE_KIND", c.Engine.Kind)
	c.Engine.Python = envString("ENGINE_PYTHON", c.Engine.Python)
	c.Engine.Script = envString("ENGINE_SCRIPT", c.Engine.Script)
	c.Engine.Workers = envInt("ENGINE_WORKERS", c.Engine.Workers)
	c.Engine.Timeout = envDuration("ENGINE_TIMEOUT", c.Engine.Timeout)
	c.Engine.PigoCascade = envString("PIGO_CASCADE", c.Engine.PigoCascade)
	c.Engine.ModelsDir = envString("ENGINE_MODELS_DIR", c.Engine.ModelsDir)

	c.Server.Addr = envString("SERVER_ADDR", c.Server.Addr)
	c.Server.JWTKey = envString("JWT_KEY", c.Server.JWTKey)
	c.Server.TokenTTL = envDuration("JWT_TTL", c.Server.TokenTTL)
	c.Server.AdminUser = envString("ADMIN_USER", c.Server.AdminUser)
	c.Server.AdminPasswordHash = envString("ADMIN_PASSWORD_HASH", c.Server.AdminPasswordHash)
	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		c.Server.AllowedOrigins = splitList(origins)
	}
	c.Server.TempDir = envString("UPLOAD_TEMP_DIR", c.Server.TempDir)
	c.Server.MediaDir = envString("MEDIA_DIR", c.Server.MediaDir)
	c.Server.SweepInterval = envDuration("SWEEP_INTERVAL", c.Server.SweepInterval)
	c.Server.TempMaxAge = envDuration("TEMP_MAX_AGE", c.Server.TempMaxAge)

	c.MQTT.Broker = envString("MQTT_BROKER", c.MQTT.Broker)
	c.MQTT.Topic = envString("MQTT_TOPIC", c.MQTT.Topic)
	c.MQTT.ClientID = envString("MQTT_CLIENT_ID", c.MQTT.ClientID)
	c.MQTT.Username = envString("MQTT_USERNAME", c.MQTT.Username)
	c.MQTT.Password = envString("MQTT_PASSWORD", c.MQTT.Password)

	c.Log.Level = envString("LOG_LEVEL", c.Log.Level)
	c.Log.Format = envString("LOG_FORMAT", c.Log.Format)
}

// postgresURLFromEnv builds a connection string from the POSTGRES_* variables,
// falling back to a local default when none are present.
func postgresURLFromEnv() string {
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		return "postgres://localhost:5432/rollcall"
	}
	port := os.Getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
		os.Getenv("POSTGRES_USER"), os.Getenv("POSTGRES_PASSWORD"), host, port, os.Getenv("POSTGRES_DB"))
}

// Validate checks the values that would otherwise fail deep inside a session.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "mysql", "memory":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.Database.Driver != "memory" && c.Database.URL == "" {
		return fmt.Errorf("database url is required for driver %s", c.Database.Driver)
	}
	if c.Recognition.Threshold <= 0 {
		return fmt.Errorf("match threshold must be > 0, got %f", c.Recognition.Threshold)
	}
	if c.Recognition.EmbeddingDim < 0 {
		return fmt.Errorf("embedding dimension must be >= 0, got %d", c.Recognition.EmbeddingDim)
	}
	if c.Video.NthFrame < 1 {
		return fmt.Errorf("nth frame must be >= 1, got %d", c.Video.NthFrame)
	}
	if c.Video.Budget <= 0 {
		return fmt.Errorf("video budget must be positive, got %s", c.Video.Budget)
	}
	if c.Video.MaxWidth < 1 || c.Image.MaxDimension < 1 {
		return fmt.Errorf("resize caps must be positive")
	}
	if c.Image.MaxBytes < 1 || c.Video.MaxBytes < 1 {
		return fmt.Errorf("upload caps must be positive")
	}
	if c.Recognition.Workers < 1 {
		c.Recognition.Workers = 1
	}
	if c.Engine.Workers < 1 {
		c.Engine.Workers = 1
	}
	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 {
		return f
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return defaultVal
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
