package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadCreatesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	m := NewManager(path)

	s, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Server.Port != 7777 {
		t.Errorf("default port = %d, want 7777", s.Server.Port)
	}
	if s.Transcode.FFmpegPath != "ffmpeg" {
		t.Errorf("default ffmpeg path = %q", s.Transcode.FFmpegPath)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("settings file not written: %v", err)
	}
}

func TestLoadFillsMissingFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	partial := `{"server":{"host":"127.0.0.1","port":9000},"media":{"roots":["/media"]}}`
	if err := os.WriteFile(path, []byte(partial), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Server.Port != 9000 {
		t.Errorf("port = %d, want 9000", s.Server.Port)
	}
	if len(s.Media.Roots) != 1 || s.Media.Roots[0] != "/media" {
		t.Errorf("roots = %v", s.Media.Roots)
	}
	if s.HLS.SegmentSeconds != 4 {
		t.Errorf("segment seconds = %d, want default 4", s.HLS.SegmentSeconds)
	}
	if s.Drive.CacheDirectory == "" {
		t.Error("drive cache directory not defaulted")
	}
}

func TestLoadMigratesLegacyMediaRoot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	legacy := `{"mediaRoot":"/srv/media","server":{"host":"0.0.0.0","port":7777}}`
	if err := os.WriteFile(path, []byte(legacy), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(s.Media.Roots) != 1 || s.Media.Roots[0] != "/srv/media" {
		t.Errorf("migrated roots = %v, want [/srv/media]", s.Media.Roots)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	m := NewManager(path)

	s := DefaultSettings()
	s.Server.Port = 8123
	s.Media.Roots = []string{"/a", "/b"}
	if err := m.Save(s); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Server.Port != 8123 {
		t.Errorf("port = %d, want 8123", got.Server.Port)
	}
	if len(got.Media.Roots) != 2 {
		t.Errorf("roots = %v", got.Media.Roots)
	}

	// File should be valid indented JSON, not a partial tmp write.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var check map[string]interface{}
	if err := json.Unmarshal(data, &check); err != nil {
		t.Errorf("settings file is not valid JSON: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("tmp file left behind after Save")
	}
}
