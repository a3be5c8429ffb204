package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	AgentServer AgentServerConfig `mapstructure:"agent_server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Logger      LoggerConfig      `mapstructure:"logger"`
	Security    SecurityConfig    `mapstructure:"security"`
	Tasks       TasksConfig       `mapstructure:"tasks"`
	UI          UIConfig          `mapstructure:"ui"`
	Timeline    TimelineConfig    `mapstructure:"timeline"`
	Profiler    ProfilerConfig    `mapstructure:"profiler"`
	Archive     ArchiveConfig     `mapstructure:"archive"`
	Auth        AuthConfig        `mapstructure:"auth"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// AgentServerConfig controls the listener agents dial into.
type AgentServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Path           string        `mapstructure:"path"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	SendQueueSize  int           `mapstructure:"send_queue_size"`
}

func (a *AgentServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
	)
}

type LoggerConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

type SecurityConfig struct {
	RSAPrivateKeyPath string `mapstructure:"rsa_private_key_path"`
	RSAPublicKeyPath  string `mapstructure:"rsa_public_key_path"`
	UITokenSecret     string `mapstructure:"ui_token_secret"`
}

// TasksConfig bounds how long a diagnostic task may stay registered.
// MaxRunning is keyed by command name (see domain.CommandCode.Name).
type TasksConfig struct {
	ReapInterval      time.Duration            `mapstructure:"reap_interval"`
	DefaultMaxRunning time.Duration            `mapstructure:"default_max_running"`
	MaxRunning        map[string]time.Duration `mapstructure:"max_running"`
}

// MaxRunningFor returns the time budget for the named command.
func (t *TasksConfig) MaxRunningFor(name string) time.Duration {
	if d, ok := t.MaxRunning[strings.ToLower(name)]; ok && d > 0 {
		return d
	}
	return t.DefaultMaxRunning
}

type UIConfig struct {
	SendQueueSize int `mapstructure:"send_queue_size"`
	HighWatermark int `mapstructure:"high_watermark"`
	LowWatermark  int `mapstructure:"low_watermark"`
}

type TimelineConfig struct {
	QueueSize       int           `mapstructure:"queue_size"`
	Retention       time.Duration `mapstructure:"retention"`
	CleanupSchedule string        `mapstructure:"cleanup_schedule"`
}

type ProfilerConfig struct {
	Dir string `mapstructure:"dir"`
}

type ArchiveConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Host       string        `mapstructure:"host"`
	Port       int           `mapstructure:"port"`
	User       string        `mapstructure:"user"`
	Password   string        `mapstructure:"password"`
	KeyPath    string        `mapstructure:"key_path"`
	KnownHosts string        `mapstructure:"known_hosts"`
	RemoteDir  string        `mapstructure:"remote_dir"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

type AuthConfig struct {
	AdminAPIKey    string   `mapstructure:"admin_api_key"`
	AgentToken     string   `mapstructure:"agent_token"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 9881)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)

	v.SetDefault("agent_server.host", "0.0.0.0")
	v.SetDefault("agent_server.port", 9880)
	v.SetDefault("agent_server.path", "/agent")
	v.SetDefault("agent_server.write_wait", 10*time.Second)
	v.SetDefault("agent_server.pong_wait", 60*time.Second)
	v.SetDefault("agent_server.ping_period", 54*time.Second)
	v.SetDefault("agent_server.max_message_size", 8*1024*1024)
	v.SetDefault("agent_server.send_queue_size", 256)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.encoding", "console")
	v.SetDefault("logger.output_paths", []string{"stdout"})
	v.SetDefault("logger.error_output_paths", []string{"stderr"})

	v.SetDefault("security.rsa_private_key_path", "conf/rsa-private-key.pem")
	v.SetDefault("security.rsa_public_key_path", "conf/rsa-public-key.pem")

	v.SetDefault("tasks.reap_interval", 10*time.Second)
	v.SetDefault("tasks.default_max_running", 10*time.Minute)

	v.SetDefault("ui.send_queue_size", 1024)
	v.SetDefault("ui.high_watermark", 768)
	v.SetDefault("ui.low_watermark", 256)

	v.SetDefault("timeline.queue_size", 512)
	v.SetDefault("timeline.retention", 7*24*time.Hour)
	v.SetDefault("timeline.cleanup_schedule", "@hourly")

	v.SetDefault("profiler.dir", "data/profiler")

	v.SetDefault("archive.port", 22)
	v.SetDefault("archive.timeout", 30*time.Second)
	v.SetDefault("archive.max_retries", 3)

	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
}

// Load reads the YAML file at path (optional when empty) and applies
// DIAGLINK_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("DIAGLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Tasks.ReapInterval <= 0 {
		return fmt.Errorf("config: tasks.reap_interval must be positive")
	}
	if c.Tasks.DefaultMaxRunning <= 0 {
		return fmt.Errorf("config: tasks.default_max_running must be positive")
	}
	if c.UI.LowWatermark >= c.UI.HighWatermark || c.UI.HighWatermark > c.UI.SendQueueSize {
		return fmt.Errorf("config: ui watermarks must satisfy low < high <= send_queue_size")
	}
	return nil
}
