// Package heatmap renders audio loudness profiles for scrubber previews.
// The audio track is decoded to mono PCM by ffmpeg, reduced to per-second
// RMS values and resampled to the requested number of points.
package heatmap

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"mediaserve/services/source"
)

const (
	sampleRate     = 8000
	bytesPerSecond = sampleRate * 2 // s16le mono
	DefaultPoints  = 100
	MaxPoints      = 2000
)

// Generator produces and caches heatmaps.
type Generator struct {
	FFmpegPath string
	Dir        string

	mu         sync.Mutex
	inProgress map[string]chan struct{}
}

func New(ffmpegPath, dir string) *Generator {
	return &Generator{
		FFmpegPath: ffmpegPath,
		Dir:        dir,
		inProgress: make(map[string]chan struct{}),
	}
}

func (g *Generator) cachePath(key string, points int) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(g.Dir, fmt.Sprintf("%s-%d.json", hex.EncodeToString(sum[:16]), points))
}

// Get returns the heatmap for the media identified by key, generating and
// caching it on first request. Concurrent requests for the same media wait
// for the first one instead of decoding twice.
func (g *Generator) Get(ctx context.Context, key string, src source.Media, points int) ([]float64, error) {
	if points <= 0 {
		points = DefaultPoints
	}
	if points > MaxPoints {
		points = MaxPoints
	}
	path := g.cachePath(key, points)

	for {
		if vals, err := g.load(path); err == nil {
			return vals, nil
		}

		g.mu.Lock()
		if ch, ok := g.inProgress[path]; ok {
			g.mu.Unlock()
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		ch := make(chan struct{})
		g.inProgress[path] = ch
		g.mu.Unlock()

		vals, err := g.generate(ctx, src, points)
		if err == nil {
			err = g.store(path, vals)
		}

		g.mu.Lock()
		delete(g.inProgress, path)
		close(ch)
		g.mu.Unlock()

		if err != nil {
			return nil, err
		}
		return vals, nil
	}
}

func (g *Generator) load(path string) ([]float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var vals []float64
	if err := json.Unmarshal(data, &vals); err != nil {
		return nil, err
	}
	return vals, nil
}

func (g *Generator) store(path string, vals []float64) error {
	if err := os.MkdirAll(g.Dir, 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(vals)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (g *Generator) generate(ctx context.Context, src source.Media, points int) ([]float64, error) {
	input, stdin, err := src.FFmpegInput(ctx)
	if err != nil {
		return nil, err
	}
	if stdin != nil {
		defer stdin.Close()
	}

	args := []string{
		"-v", "error",
		"-i", input,
		"-map", "0:a:0",
		"-ac", "1",
		"-ar", fmt.Sprint(sampleRate),
		"-f", "s16le",
		"pipe:1",
	}
	cmd := exec.CommandContext(ctx, g.FFmpegPath, args...)
	if stdin != nil {
		cmd.Stdin = stdin
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	// One RMS value per second of audio.
	var seconds []float64
	buf := make([]byte, bytesPerSecond)
	for {
		n, rerr := io.ReadFull(stdout, buf)
		if n > 0 {
			seconds = append(seconds, rms(buf[:n]))
		}
		if rerr != nil {
			break
		}
	}
	if err := cmd.Wait(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			log.Printf("[heatmap] ffmpeg: %s", msg)
		}
		if len(seconds) == 0 {
			return nil, fmt.Errorf("decode audio: %w", err)
		}
		// Partial decode is still usable for a preview.
	}
	if len(seconds) == 0 {
		return nil, fmt.Errorf("no audio data decoded")
	}

	return resample(seconds, points), nil
}

func rms(pcm []byte) float64 {
	var sum float64
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	for i := 0; i < n; i++ {
		s := float64(int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// resample averages the per-second values into the requested number of
// buckets and normalizes to [0, 1].
func resample(seconds []float64, points int) []float64 {
	out := make([]float64, points)
	var max float64
	for i := 0; i < points; i++ {
		lo := i * len(seconds) / points
		hi := (i + 1) * len(seconds) / points
		if hi <= lo {
			hi = lo + 1
		}
		if hi > len(seconds) {
			hi = len(seconds)
		}
		var sum float64
		for j := lo; j < hi; j++ {
			sum += seconds[j]
		}
		if hi > lo {
			out[i] = sum / float64(hi-lo)
		}
		if out[i] > max {
			max = out[i]
		}
	}
	if max > 0 {
		for i := range out {
			out[i] = math.Round(out[i]/max*1000) / 1000
		}
	}
	return out
}
