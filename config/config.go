package config

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds everything needed to run one interview session.
type Config struct {
	Session   SessionConfig   `yaml:"session"`
	Endpoints EndpointsConfig `yaml:"endpoints"`
	Voice     VoiceConfig     `yaml:"voice"`
	Proctor   ProctorConfig   `yaml:"proctor"`
	Control   ControlConfig   `yaml:"control"`
	Log       LogConfig       `yaml:"log"`

	// Directory for per-activation voice recordings. Empty disables archiving.
	RecordingsDir string `yaml:"recordings_dir"`
}

type SessionConfig struct {
	JobID          string        `yaml:"job_id"`
	ResumeID       string        `yaml:"resume_id"`
	Duration       time.Duration `yaml:"duration"`
	MaxQuestions   int           `yaml:"max_questions"`
	TabSwitchLimit int           `yaml:"tab_switch_limit"`
}

type EndpointsConfig struct {
	// Base websocket URL; the job and resume IDs are appended as path segments.
	InterviewWS string `yaml:"interview_ws"`
	Token       string `yaml:"token"`
	Detect      string `yaml:"detect"`
	Health      string `yaml:"health"`
	STT         string `yaml:"stt"`
	TTS         string `yaml:"tts"`
}

// DefaultDeviceID selects the system default input device.
const DefaultDeviceID = -1

type VoiceConfig struct {
	Model      string        `yaml:"model"`
	SampleRate int           `yaml:"sample_rate"`
	Chunk      time.Duration `yaml:"chunk"`
	DeviceID   int           `yaml:"device_id"`
}

type ProctorConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval"`
	ReadyAttempts int           `yaml:"ready_attempts"`
	ReadyDelay    time.Duration `yaml:"ready_delay"`
	CameraDevice  string        `yaml:"camera_device"`
	Display       string        `yaml:"display"`
	FFmpegPath    string        `yaml:"ffmpeg_path"`
}

type ControlConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func defaultConfig() *Config {
	return &Config{
		Session: SessionConfig{
			Duration:       600 * time.Second,
			MaxQuestions:   8,
			TabSwitchLimit: 3,
		},
		Endpoints: EndpointsConfig{
			InterviewWS: "ws://localhost:8000/api/ws/interview",
			Token:       "http://localhost:3000/api/deepgram-token",
			Detect:      "http://localhost:8000/face-detection/detect",
			Health:      "http://localhost:8000/face-detection/health",
			STT:         "wss://api.deepgram.com/v1/listen",
		},
		Voice: VoiceConfig{
			Model:      "nova-3",
			SampleRate: 16000,
			Chunk:      250 * time.Millisecond,
			DeviceID:   DefaultDeviceID,
		},
		Proctor: ProctorConfig{
			PollInterval:  2 * time.Second,
			ReadyAttempts: 10,
			ReadyDelay:    time.Second,
			CameraDevice:  "/dev/video0",
			Display:       ":0",
			FFmpegPath:    "ffmpeg",
		},
		Control: ControlConfig{
			Addr: "127.0.0.1:8088",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads the YAML file at path on top of the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadOrDefault behaves like Load but returns the defaults when the file
// does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return defaultConfig(), nil
	}
	return cfg, err
}

// SlogLevel maps the configured level name onto a slog level. Unknown names
// fall back to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
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
