package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/audiolibrelab/notecapture/internal/mix"
)

// EnvPrefix is the prefix of environment overrides, e.g.
// NOTECAPTURE_UPLOAD_ENDPOINT for upload.endpoint.
const EnvPrefix = "NOTECAPTURE"

type Config struct {
	Audio    AudioConfig    `mapstructure:"audio" yaml:"audio"`
	Dynamics DynamicsConfig `mapstructure:"dynamics" yaml:"dynamics"`
	Encoder  EncoderConfig  `mapstructure:"encoder" yaml:"encoder"`
	Upload   UploadConfig   `mapstructure:"upload" yaml:"upload"`
	State    StateConfig    `mapstructure:"state" yaml:"state"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Timezone string         `mapstructure:"timezone" yaml:"timezone"`

	// Profile is the profile merged over the base sections, if any.
	Profile string `mapstructure:"-" yaml:"-"`
	// File is the config file that was read, empty when defaults apply.
	File string `mapstructure:"-" yaml:"-"`
}

type AudioConfig struct {
	SampleRate      int    `mapstructure:"sample_rate" yaml:"sample_rate"`
	Channels        int    `mapstructure:"channels" yaml:"channels"`
	BlockFrames     int    `mapstructure:"block_frames" yaml:"block_frames"`
	Backend         string `mapstructure:"backend" yaml:"backend"` // "pipewire", "file"
	PrimarySource   string `mapstructure:"primary_source" yaml:"primary_source"`
	SecondarySource string `mapstructure:"secondary_source" yaml:"secondary_source"`
	CaptureSink     bool   `mapstructure:"capture_sink" yaml:"capture_sink"`
	PrimaryFile     string `mapstructure:"primary_file" yaml:"primary_file"`
	SecondaryFile   string `mapstructure:"secondary_file" yaml:"secondary_file"`
	Realtime        bool   `mapstructure:"realtime" yaml:"realtime"`
	Monitor         bool   `mapstructure:"monitor" yaml:"monitor"`
	MonitorTarget   string `mapstructure:"monitor_target" yaml:"monitor_target"`
}

type DynamicsConfig struct {
	mix.DynamicsParams `mapstructure:",squash" yaml:",inline"`
	SecondaryGain      float64 `mapstructure:"secondary_gain" yaml:"secondary_gain"`
}

type EncoderConfig struct {
	Backend    string        `mapstructure:"backend" yaml:"backend"` // "native", "ffmpeg"
	Timeslice  time.Duration `mapstructure:"timeslice" yaml:"timeslice"`
	FFmpegPath string        `mapstructure:"ffmpeg_path" yaml:"ffmpeg_path"`
}

type UploadConfig struct {
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BackoffBase time.Duration `mapstructure:"backoff_base" yaml:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max" yaml:"backoff_max"`
	AuthSecret  string        `mapstructure:"auth_secret" yaml:"auth_secret,omitempty"`
	UniqueNames bool          `mapstructure:"unique_names" yaml:"unique_names"`
}

type StateConfig struct {
	Backend         string `mapstructure:"backend" yaml:"backend"` // "file", "memory", "mongo"
	Path            string `mapstructure:"path" yaml:"path"`
	MongoURI        string `mapstructure:"mongo_uri" yaml:"mongo_uri,omitempty"`
	MongoDatabase   string `mapstructure:"mongo_database" yaml:"mongo_database"`
	MongoCollection string `mapstructure:"mongo_collection" yaml:"mongo_collection"`
}

type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

// Addr is the listen address of the control server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DefaultFile is the config file used when none is given.
func DefaultFile() string {
	return filepath.Join(os.Getenv("HOME"), ".config", "notecapture.yaml")
}

var defaultConfig = Config{
	Audio: AudioConfig{
		SampleRate:  48000,
		Channels:    2,
		BlockFrames: 1024,
		Backend:     "pipewire",
		Monitor:     true,
	},
	Dynamics: DynamicsConfig{
		DynamicsParams: mix.DefaultDynamics,
		SecondaryGain:  1.5,
	},
	Encoder: EncoderConfig{
		Backend:   "native",
		Timeslice: time.Second,
	},
	Upload: UploadConfig{
		Timeout:     30 * time.Second,
		MaxAttempts: 3,
		BackoffBase: time.Second,
		BackoffMax:  5 * time.Second,
	},
	State: StateConfig{
		Backend:         "file",
		Path:            filepath.Join(os.Getenv("HOME"), ".config", "notecapture", "current.json"),
		MongoDatabase:   "notecapture",
		MongoCollection: "session_state",
	},
	Server: ServerConfig{
		Host: "127.0.0.1",
		Port: 8080,
	},
	Timezone: "Local",
}

// Default returns the built-in configuration.
func Default() *Config {
	c := defaultConfig
	return &c
}

// Load reads configFile over the defaults, applies the named profile (or the
// file's active_profile) and environment overrides, and validates the result.
// A missing config file is not an error. A .env file in the working
// directory is loaded first.
func Load(configFile, profile string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if configFile != "" {
		if _, err := os.Stat(configFile); err == nil {
			v.SetConfigFile(configFile)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
			}
			cfg.File = configFile
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
		}
	}

	if profile == "" {
		profile = v.GetString("active_profile")
	}
	if profile != "" {
		if err := applyProfile(v, profile); err != nil {
			return nil, err
		}
		cfg.Profile = profile
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.State.Path = expandPath(cfg.State.Path)
	cfg.Audio.PrimaryFile = expandPath(cfg.Audio.PrimaryFile)
	cfg.Audio.SecondaryFile = expandPath(cfg.Audio.SecondaryFile)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("error loading %s: %w", path, err)
	}
	return nil
}

// setDefaults registers every key so environment overrides reach Unmarshal.
func setDefaults(v *viper.Viper) {
	d := defaultConfig
	v.SetDefault("audio.sample_rate", d.Audio.SampleRate)
	v.SetDefault("audio.channels", d.Audio.Channels)
	v.SetDefault("audio.block_frames", d.Audio.BlockFrames)
	v.SetDefault("audio.backend", d.Audio.Backend)
	v.SetDefault("audio.primary_source", d.Audio.PrimarySource)
	v.SetDefault("audio.secondary_source", d.Audio.SecondarySource)
	v.SetDefault("audio.capture_sink", d.Audio.CaptureSink)
	v.SetDefault("audio.primary_file", d.Audio.PrimaryFile)
	v.SetDefault("audio.secondary_file", d.Audio.SecondaryFile)
	v.SetDefault("audio.realtime", d.Audio.Realtime)
	v.SetDefault("audio.monitor", d.Audio.Monitor)
	v.SetDefault("audio.monitor_target", d.Audio.MonitorTarget)

	v.SetDefault("dynamics.threshold_db", d.Dynamics.ThresholdDB)
	v.SetDefault("dynamics.knee_db", d.Dynamics.KneeDB)
	v.SetDefault("dynamics.ratio", d.Dynamics.Ratio)
	v.SetDefault("dynamics.attack", d.Dynamics.Attack)
	v.SetDefault("dynamics.release", d.Dynamics.Release)
	v.SetDefault("dynamics.secondary_gain", d.Dynamics.SecondaryGain)

	v.SetDefault("encoder.backend", d.Encoder.Backend)
	v.SetDefault("encoder.timeslice", d.Encoder.Timeslice)
	v.SetDefault("encoder.ffmpeg_path", d.Encoder.FFmpegPath)

	v.SetDefault("upload.endpoint", d.Upload.Endpoint)
	v.SetDefault("upload.timeout", d.Upload.Timeout)
	v.SetDefault("upload.max_attempts", d.Upload.MaxAttempts)
	v.SetDefault("upload.backoff_base", d.Upload.BackoffBase)
	v.SetDefault("upload.backoff_max", d.Upload.BackoffMax)
	v.SetDefault("upload.auth_secret", d.Upload.AuthSecret)
	v.SetDefault("upload.unique_names", d.Upload.UniqueNames)

	v.SetDefault("state.backend", d.State.Backend)
	v.SetDefault("state.path", d.State.Path)
	v.SetDefault("state.mongo_uri", d.State.MongoURI)
	v.SetDefault("state.mongo_database", d.State.MongoDatabase)
	v.SetDefault("state.mongo_collection", d.State.MongoCollection)

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)

	v.SetDefault("timezone", d.Timezone)
}

// applyProfile merges profiles.<name> over the base sections.
func applyProfile(v *viper.Viper, name string) error {
	key := "profiles." + name
	if !v.IsSet(key) {
		return fmt.Errorf("configuration profile '%s' not found", name)
	}
	if err := v.MergeConfigMap(v.GetStringMap(key)); err != nil {
		return fmt.Errorf("error applying profile '%s': %w", name, err)
	}
	return nil
}

// Profiles lists the profile names defined in configFile.
func Profiles(configFile string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var names []string
	for name := range v.GetStringMap("profiles") {
		names = append(names, name)
	}
	return names, nil
}

// UpdateActiveProfile updates the active_profile field in the config file
func UpdateActiveProfile(configFile, profile string) error {
	if configFile == "" {
		return fmt.Errorf("no config file specified")
	}

	v := viper.New()
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}
	if !v.IsSet("profiles." + profile) {
		return fmt.Errorf("configuration profile '%s' not found", profile)
	}

	v.Set("active_profile", profile)
	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}
	return nil
}

// WriteDefault writes the built-in configuration to path. It refuses to
// overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}

	out, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("error writing config file %s: %w", path, err)
	}
	return nil
}

// Location resolves the timezone used for date and time tokens.
func (c *Config) Location() (*time.Location, error) {
	switch c.Timezone {
	case "", "Local":
		return time.Local, nil
	default:
		loc, err := time.LoadLocation(c.Timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
		}
		return loc, nil
	}
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(os.Getenv("HOME"), path[2:])
	}
	return path
}
