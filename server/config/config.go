package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "SHELLCAST_"

type Config struct {
	Log      Log      `koanf:"log"`
	Download Download `koanf:"download"`
	Output   Output   `koanf:"output"`
	Engine   Engine   `koanf:"engine"`
	Server   Server   `koanf:"server"`
}

type Log struct {
	Level string `koanf:"level"`
}

type Download struct {
	// HeadWindow is the number of bytes fetched before Begin returns.
	HeadWindow     int64         `koanf:"headWindow"`
	ChunkSize      int           `koanf:"chunkSize"`
	ConnectTimeout time.Duration `koanf:"connectTimeout"`
	// HeadTimeout bounds the head-window wait. Zero waits forever.
	HeadTimeout time.Duration `koanf:"headTimeout"`
	UserAgent   string        `koanf:"userAgent"`
	TempDir     string        `koanf:"tempDir"`
	AllowHTTP   bool          `koanf:"allowHTTP"`
	AllowHTTPS  bool          `koanf:"allowHTTPS"`
}

type Output struct {
	Driver     string        `koanf:"driver"`
	SampleRate int           `koanf:"sampleRate"`
	BufferSize time.Duration `koanf:"bufferSize"`
}

type Engine struct {
	SeekMargin   int64 `koanf:"seekMargin"`
	BufferChunks int   `koanf:"bufferChunks"`
	Volume       int   `koanf:"volume"`
}

type Server struct {
	WSAddr       string        `koanf:"wsAddr"`
	HTTPAddr     string        `koanf:"httpAddr"`
	TickInterval time.Duration `koanf:"tickInterval"`
}

const (
	DriverSpeaker = "speaker"
	DriverNull    = "null"
)

func Default() Config {
	return Config{
		Log: Log{Level: "info"},
		Download: Download{
			HeadWindow:     10 * 1024 * 1024,
			ChunkSize:      8 * 1024,
			ConnectTimeout: 10 * time.Second,
			UserAgent:      "shellcast/1.0",
			AllowHTTP:      true,
			AllowHTTPS:     true,
		},
		Output: Output{
			Driver:     DriverSpeaker,
			SampleRate: 44100,
			BufferSize: 100 * time.Millisecond,
		},
		Engine: Engine{
			SeekMargin:   64 * 1024,
			BufferChunks: 32,
			Volume:       100,
		},
		Server: Server{
			WSAddr:       ":8080",
			HTTPAddr:     ":8081",
			TickInterval: time.Second,
		},
	}
}

// Load layers defaults, the optional YAML file at path and SHELLCAST_*
// environment variables, in that order.
func Load(path string) (*Config, error) {
	var k = koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file: %w", err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	// Environment keys arrive upper-cased; map them back onto the
	// camel-cased keys the defaults registered.
	known := make(map[string]string)
	for _, key := range k.Keys() {
		known[strings.ToLower(key)] = key
	}
	err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		key := strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(s, envPrefix), "_", "."))
		if actual, ok := known[key]; ok {
			return actual
		}
		return key
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Download.HeadWindow <= 0 {
		return fmt.Errorf("download.headWindow must be positive, got %d", c.Download.HeadWindow)
	}
	if c.Download.ChunkSize <= 0 {
		return fmt.Errorf("download.chunkSize must be positive, got %d", c.Download.ChunkSize)
	}
	if !c.Download.AllowHTTP && !c.Download.AllowHTTPS {
		return fmt.Errorf("download: at least one of allowHTTP and allowHTTPS must be set")
	}
	switch c.Output.Driver {
	case DriverSpeaker, DriverNull:
	default:
		return fmt.Errorf("output.driver: unknown driver %q", c.Output.Driver)
	}
	if c.Output.SampleRate <= 0 {
		return fmt.Errorf("output.sampleRate must be positive, got %d", c.Output.SampleRate)
	}
	if c.Engine.BufferChunks <= 0 {
		return fmt.Errorf("engine.bufferChunks must be positive, got %d", c.Engine.BufferChunks)
	}
	if c.Engine.Volume < 0 || c.Engine.Volume > 100 {
		return fmt.Errorf("engine.volume must be within 0..100, got %d", c.Engine.Volume)
	}
	return nil
}

// SlogLevel maps log.level onto a slog level, defaulting to info.
func (l Log) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
