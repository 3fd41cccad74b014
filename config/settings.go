package config

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Settings represents the application configuration persisted to disk.
type Settings struct {
	Server    ServerSettings    `json:"server"`
	Media     MediaSettings     `json:"media"`
	Transcode TranscodeSettings `json:"transcode"`
	HLS       HLSSettings       `json:"hls"`
	Drive     DriveSettings     `json:"drive"`
	Cache     CacheSettings     `json:"cache"`
	Log       LogConfig         `json:"log"`
}

type ServerSettings struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// MediaSettings controls which parts of the local filesystem may be served.
type MediaSettings struct {
	Roots []string `json:"roots"` // allowed root directories; empty list denies all local paths
}

// TranscodeSettings describes the external ffmpeg/ffprobe binaries used for
// on-the-fly conversion.
type TranscodeSettings struct {
	FFmpegPath  string `json:"ffmpegPath"`
	FFprobePath string `json:"ffprobePath"`
}

// HLSSettings controls ephemeral HLS session storage and lifetime.
type HLSSettings struct {
	TempDirectory     string `json:"tempDirectory"` // per-session segment dirs live under this
	SegmentSeconds    int    `json:"segmentSeconds"`
	SessionTTLMinutes int    `json:"sessionTtlMinutes"`
}

// DriveSettings configures the remote drive provider and its local cache.
type DriveSettings struct {
	Enabled        bool   `json:"enabled"`
	BaseURL        string `json:"baseUrl"`
	APIKey         string `json:"apiKey"`
	CacheDirectory string `json:"cacheDirectory"`
	AutoFill       bool   `json:"autoFill"` // download files to the cache in the background
}

// CacheSettings holds the on-disk cache root for generated artifacts
// (thumbnails, heatmaps).
type CacheSettings struct {
	Directory string `json:"directory"`
}

// LogConfig represents logging configuration.
type LogConfig struct {
	File       string `json:"file"`
	Level      string `json:"level"`
	MaxSize    int    `json:"maxSize"`
	MaxAge     int    `json:"maxAge"`
	MaxBackups int    `json:"maxBackups"`
	Compress   bool   `json:"compress"`
}

// ThumbnailDir returns the directory thumbnails are cached in.
func (s Settings) ThumbnailDir() string {
	return filepath.Join(s.Cache.Directory, "thumbnails")
}

// HeatmapDir returns the directory heatmap JSON files are cached in.
func (s Settings) HeatmapDir() string {
	return filepath.Join(s.Cache.Directory, "heatmaps")
}

// SessionTTL returns the HLS idle timeout as a duration.
func (s Settings) SessionTTL() time.Duration {
	return time.Duration(s.HLS.SessionTTLMinutes) * time.Minute
}

// DefaultSettings returns sane defaults for a fresh install.
func DefaultSettings() Settings {
	return Settings{
		Server:    ServerSettings{Host: "0.0.0.0", Port: 7777},
		Media:     MediaSettings{Roots: []string{}},
		Transcode: TranscodeSettings{FFmpegPath: "ffmpeg", FFprobePath: "ffprobe"},
		HLS: HLSSettings{
			TempDirectory:     filepath.Join(os.TempDir(), "mediaserve-hls"),
			SegmentSeconds:    4,
			SessionTTLMinutes: 10,
		},
		Drive: DriveSettings{
			Enabled:        false,
			BaseURL:        "",
			APIKey:         "",
			CacheDirectory: "cache/drive",
			AutoFill:       true,
		},
		Cache: CacheSettings{Directory: "cache"},
		Log: LogConfig{
			File:       "cache/logs/mediaserve.log",
			Level:      "info",
			MaxSize:    50,   // 50 MB per file
			MaxBackups: 3,    // keep 3 old files
			MaxAge:     7,    // 7 days
			Compress:   true, // compress old files
		},
	}
}

// Manager loads and persists settings to a JSON file.
type Manager struct {
	path string
}

func NewManager(configPath string) *Manager {
	return &Manager{path: configPath}
}

// EnsureDir ensures parent directory exists.
func (m *Manager) EnsureDir() error {
	dir := filepath.Dir(m.path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// Load reads settings.json from disk or creates defaults if missing.
func (m *Manager) Load() (Settings, error) {
	if m.path == "" {
		return Settings{}, errors.New("config path not set")
	}
	if _, err := os.Stat(m.path); errors.Is(err, fs.ErrNotExist) {
		// create with defaults
		defaults := DefaultSettings()
		if err := m.Save(defaults); err != nil {
			return Settings{}, err
		}
		return defaults, nil
	}
	f, err := os.Open(m.path)
	if err != nil {
		return Settings{}, err
	}
	defer f.Close()

	// Decode into a raw map first to handle old field layouts.
	var raw map[string]interface{}
	dec := json.NewDecoder(f)
	if err := dec.Decode(&raw); err != nil {
		return Settings{}, err
	}

	// Older configs kept a single "mediaRoot" string at the top level.
	if root, ok := raw["mediaRoot"].(string); ok && strings.TrimSpace(root) != "" {
		media, _ := raw["media"].(map[string]interface{})
		if media == nil {
			media = map[string]interface{}{}
		}
		if _, has := media["roots"]; !has {
			media["roots"] = []interface{}{root}
		}
		raw["media"] = media
		delete(raw, "mediaRoot")
	}

	buf, err := json.Marshal(raw)
	if err != nil {
		return Settings{}, err
	}
	s := DefaultSettings()
	if err := json.Unmarshal(buf, &s); err != nil {
		return Settings{}, err
	}

	// Fill gaps left by hand-edited files.
	if s.Transcode.FFmpegPath == "" {
		s.Transcode.FFmpegPath = "ffmpeg"
	}
	if s.Transcode.FFprobePath == "" {
		s.Transcode.FFprobePath = "ffprobe"
	}
	if s.HLS.TempDirectory == "" {
		s.HLS.TempDirectory = filepath.Join(os.TempDir(), "mediaserve-hls")
	}
	if s.HLS.SegmentSeconds <= 0 {
		s.HLS.SegmentSeconds = 4
	}
	if s.HLS.SessionTTLMinutes <= 0 {
		s.HLS.SessionTTLMinutes = 10
	}
	if s.Cache.Directory == "" {
		s.Cache.Directory = "cache"
	}
	if s.Drive.CacheDirectory == "" {
		s.Drive.CacheDirectory = filepath.Join(s.Cache.Directory, "drive")
	}

	return s, nil
}

// Save writes the provided settings to disk atomically.
func (m *Manager) Save(s Settings) error {
	if m.path == "" {
		return errors.New("config path not set")
	}
	if err := m.EnsureDir(); err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, m.path)
}
