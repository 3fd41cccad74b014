package heatmap

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"testing"
)

func TestRMS(t *testing.T) {
	if got := rms(nil); got != 0 {
		t.Errorf("rms(nil) = %v, want 0", got)
	}

	// Constant amplitude 1000 should give RMS 1000.
	pcm := make([]byte, 200)
	for i := 0; i < 100; i++ {
		pcm[2*i] = byte(1000 & 0xff)
		pcm[2*i+1] = byte(1000 >> 8)
	}
	if got := rms(pcm); math.Abs(got-1000) > 0.001 {
		t.Errorf("rms = %v, want 1000", got)
	}
}

func TestResample(t *testing.T) {
	seconds := []float64{1, 1, 2, 2, 4, 4}

	got := resample(seconds, 3)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	// Buckets average to 1, 2, 4 and normalize against 4.
	want := []float64{0.25, 0.5, 1}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 0.001 {
			t.Errorf("point %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestResampleAllSilence(t *testing.T) {
	got := resample([]float64{0, 0, 0}, 2)
	for i, v := range got {
		if v != 0 {
			t.Errorf("point %d = %v, want 0", i, v)
		}
	}
}

func TestGetServesCachedWithoutFFmpeg(t *testing.T) {
	dir := t.TempDir()
	// A missing ffmpeg binary proves cached results never spawn a process.
	g := New("/nonexistent/ffmpeg", dir)

	want := []float64{0.1, 0.5, 1}
	data, _ := json.Marshal(want)
	path := g.cachePath("drive:abc", 3)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := g.Get(context.Background(), "drive:abc", nil, 3)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got) != 3 || got[2] != 1 {
		t.Errorf("got = %v, want %v", got, want)
	}
}

func TestStoreLoadRoundTrip(t *testing.T) {
	g := New("ffmpeg", t.TempDir())
	path := g.cachePath("/media/film.mkv", 100)

	want := []float64{0, 0.25, 1}
	if err := g.store(path, want); err != nil {
		t.Fatalf("store: %v", err)
	}
	got, err := g.load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != len(want) || got[1] != 0.25 {
		t.Errorf("got = %v, want %v", got, want)
	}
}
