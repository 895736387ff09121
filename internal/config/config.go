// Package config loads the gateway's AppConfig from a YAML file and layers
// environment variable overrides on top, the way the teacher's collaborator
// repos load settings: a DefaultConfig/SetDefaults pair plus a thin env
// override pass applied after the file is parsed.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	SignalingPort uint16 `yaml:"signaling_port"`
	HTTPPort      uint16 `yaml:"http_port"`
	WebRoot       string `yaml:"web_root"`
}

type RtspConfig struct {
	URL                  string `yaml:"url"`
	Transport            string `yaml:"transport"`
	LatencyMs            int    `yaml:"latency_ms"`
	ReconnectIntervalMs  int    `yaml:"reconnect_interval_ms"`
	ReconnectMaxAttempts int    `yaml:"reconnect_max_attempts"`
}

type VideoConfig struct {
	Codec         string `yaml:"codec"`
	ClockRate     int    `yaml:"clock_rate"`
	PayloadType   int    `yaml:"payload_type"`
	BitrateKbps   int    `yaml:"bitrate_kbps"`
	MaxBitrateKbps int   `yaml:"max_bitrate_kbps"`
	MinBitrateKbps int   `yaml:"min_bitrate_kbps"`
	FPS           int    `yaml:"fps"`
}

type WebRtcConfig struct {
	StunServer    string      `yaml:"stun_server"`
	TurnServer    string      `yaml:"turn_server"`
	TurnUsername  string      `yaml:"turn_username"`
	TurnCredential string     `yaml:"turn_credential"`
	MaxPeers      int         `yaml:"max_peers"`
	Video         VideoConfig `yaml:"video"`
}

type EncodingConfig struct {
	HWEncode     bool   `yaml:"hw_encode"`
	Passthrough  bool   `yaml:"passthrough"`
	Preset       string `yaml:"preset"`
	IDRInterval  int    `yaml:"idr_interval"`
	InsertSPSPPS bool   `yaml:"insert_sps_pps"`
}

type LoggingConfig struct {
	Level        string `yaml:"level"`
	File         string `yaml:"file"`
	MaxFileSizeMB int   `yaml:"max_file_size_mb"`
	MaxFiles     int    `yaml:"max_files"`
}

// AppConfig is the full, validated configuration for one gateway process.
type AppConfig struct {
	Server   ServerConfig   `yaml:"server"`
	Rtsp     RtspConfig     `yaml:"rtsp"`
	WebRTC   WebRtcConfig   `yaml:"webrtc"`
	Encoding EncodingConfig `yaml:"encoding"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DefaultConfig returns an AppConfig with every field set to the values the
// original gateway shipped with.
func DefaultConfig() AppConfig {
	c := AppConfig{}
	c.SetDefaults()
	return c
}

// SetDefaults fills any zero-valued field with its production default.
// Called once after YAML decode so an empty or partial file still yields a
// runnable config.
func (c *AppConfig) SetDefaults() {
	if c.Server.SignalingPort == 0 {
		c.Server.SignalingPort = 8080
	}
	if c.Server.HTTPPort == 0 {
		c.Server.HTTPPort = 8081
	}
	if c.Server.WebRoot == "" {
		c.Server.WebRoot = "./web"
	}

	if c.Rtsp.Transport == "" {
		c.Rtsp.Transport = "tcp"
	}
	if c.Rtsp.ReconnectIntervalMs == 0 {
		c.Rtsp.ReconnectIntervalMs = 3000
	}

	if c.WebRTC.StunServer == "" {
		c.WebRTC.StunServer = "stun:stun.cloudflare.com:3478"
	}
	if c.WebRTC.MaxPeers == 0 {
		c.WebRTC.MaxPeers = 4
	}
	if c.WebRTC.Video.Codec == "" {
		c.WebRTC.Video.Codec = "H264"
	}
	if c.WebRTC.Video.ClockRate == 0 {
		c.WebRTC.Video.ClockRate = 90000
	}
	if c.WebRTC.Video.PayloadType == 0 {
		c.WebRTC.Video.PayloadType = 96
	}
	if c.WebRTC.Video.BitrateKbps == 0 {
		c.WebRTC.Video.BitrateKbps = 4000
	}
	if c.WebRTC.Video.MaxBitrateKbps == 0 {
		c.WebRTC.Video.MaxBitrateKbps = 8000
	}
	if c.WebRTC.Video.MinBitrateKbps == 0 {
		c.WebRTC.Video.MinBitrateKbps = 500
	}
	if c.WebRTC.Video.FPS == 0 {
		c.WebRTC.Video.FPS = 30
	}

	if c.Encoding.Preset == "" {
		c.Encoding.Preset = "UltraFastPreset"
	}
	if c.Encoding.IDRInterval == 0 {
		c.Encoding.IDRInterval = 30
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.MaxFileSizeMB == 0 {
		c.Logging.MaxFileSizeMB = 10
	}
	if c.Logging.MaxFiles == 0 {
		c.Logging.MaxFiles = 3
	}
}

// Load reads the YAML file at path, applies defaults for unset fields, then
// lets environment variables override the result, and validates it.
func Load(path string) (AppConfig, error) {
	cfg := AppConfig{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.SetDefaults()
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnvOverrides layers the environment variables spec §6 names on top
// of whatever the YAML file and defaults produced.
func (c *AppConfig) applyEnvOverrides() {
	if v := os.Getenv("RTSP_URL"); v != "" {
		c.Rtsp.URL = v
	}
	if v := os.Getenv("SIGNALING_PORT"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 16); err == nil {
			c.Server.SignalingPort = uint16(n)
		}
	}
	if v := os.Getenv("STUN_SERVER"); v != "" {
		c.WebRTC.StunServer = v
	}
	if v := os.Getenv("TURN_SERVER"); v != "" {
		c.WebRTC.TurnServer = v
	}
	if v := os.Getenv("TURN_USERNAME"); v != "" {
		c.WebRTC.TurnUsername = v
	}
	if v := os.Getenv("TURN_CREDENTIAL"); v != "" {
		c.WebRTC.TurnCredential = v
	}
	if v := os.Getenv("VIDEO_BITRATE_KBPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.WebRTC.Video.BitrateKbps = n
		}
	}
	if v := os.Getenv("VIDEO_MAX_BITRATE_KBPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.WebRTC.Video.MaxBitrateKbps = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate rejects configurations that would leave the gateway in an
// inconsistent state; callers should treat a non-nil error as a fatal
// startup condition.
func (c *AppConfig) Validate() error {
	if c.Server.SignalingPort == 0 {
		return fmt.Errorf("config: server.signaling_port must be nonzero")
	}
	if c.WebRTC.MaxPeers < 1 {
		return fmt.Errorf("config: webrtc.max_peers must be >= 1, got %d", c.WebRTC.MaxPeers)
	}
	v := c.WebRTC.Video
	if v.MinBitrateKbps > v.MaxBitrateKbps {
		return fmt.Errorf("config: webrtc.video.min_bitrate_kbps (%d) > max_bitrate_kbps (%d)", v.MinBitrateKbps, v.MaxBitrateKbps)
	}
	if v.BitrateKbps < v.MinBitrateKbps || v.BitrateKbps > v.MaxBitrateKbps {
		return fmt.Errorf("config: webrtc.video.bitrate_kbps (%d) outside [%d, %d]", v.BitrateKbps, v.MinBitrateKbps, v.MaxBitrateKbps)
	}
	if c.Rtsp.Transport != "tcp" && c.Rtsp.Transport != "udp" {
		return fmt.Errorf("config: rtsp.transport must be tcp or udp, got %q", c.Rtsp.Transport)
	}
	if c.Rtsp.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("config: rtsp.reconnect_max_attempts must be >= 0")
	}
	return nil
}

// Clamp returns kbps restricted to the video section's configured range.
func (v VideoConfig) Clamp(kbps int) int {
	if kbps < v.MinBitrateKbps {
		return v.MinBitrateKbps
	}
	if kbps > v.MaxBitrateKbps {
		return v.MaxBitrateKbps
	}
	return kbps
}
