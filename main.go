package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/afero"
	"gopkg.in/natefinch/lumberjack.v2"

	"mediaserve/api"
	"mediaserve/config"
	"mediaserve/handlers"
	"mediaserve/services/drivecache"
	"mediaserve/services/gate"
	"mediaserve/services/heatmap"
	"mediaserve/services/remote"
	"mediaserve/services/source"
)

func main() {
	portOverride := flag.Int("port", 0, "override server port from config")
	flag.Parse()

	fmt.Println("🚀 mediaserve starting...")

	// Determine config path (env or default)
	configPath := os.Getenv("MEDIASERVE_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("cache", "settings.json")
	}

	// Init config manager and load settings (creates defaults if missing)
	cfgManager := config.NewManager(configPath)
	settings, err := cfgManager.Load()
	if err != nil {
		log.Fatalf("failed to load settings: %v", err)
	}

	// Set up file logging with rotation
	if settings.Log.File != "" {
		logDir := filepath.Dir(settings.Log.File)
		if err := os.MkdirAll(logDir, 0755); err != nil {
			log.Printf("Warning: could not create log directory %s: %v", logDir, err)
		} else {
			fileWriter := &lumberjack.Logger{
				Filename:   settings.Log.File,
				MaxSize:    settings.Log.MaxSize,
				MaxBackups: settings.Log.MaxBackups,
				MaxAge:     settings.Log.MaxAge,
				Compress:   settings.Log.Compress,
			}
			// Redirect standard log to both console and file
			multiWriter := io.MultiWriter(os.Stdout, fileWriter)
			log.SetOutput(multiWriter)
			log.SetFlags(log.LstdFlags | log.Lshortfile)
			log.Printf("Logging to file: %s", settings.Log.File)
		}
	}

	// Apply port override if specified
	if *portOverride > 0 {
		settings.Server.Port = *portOverride
	}

	if err := os.MkdirAll(settings.Cache.Directory, 0o755); err != nil {
		log.Fatalf("failed to create cache directory: %v", err)
	}

	pathGate := gate.New(settings.Media.Roots)
	if len(settings.Media.Roots) == 0 {
		log.Printf("warning: no media roots configured; all local paths will be denied")
	}

	// Drive backend is optional; without it cloud locators are rejected.
	var provider remote.Provider
	var drive *drivecache.Cache
	if settings.Drive.Enabled && settings.Drive.BaseURL != "" {
		provider = remote.NewHTTPProvider(settings.Drive.BaseURL, settings.Drive.APIKey)
		drive, err = drivecache.New(provider, afero.NewOsFs(), settings.Drive.CacheDirectory, settings.Drive.AutoFill)
		if err != nil {
			log.Fatalf("failed to initialise drive cache: %v", err)
		}
		fmt.Printf("☁️  Drive backend enabled: %s\n", settings.Drive.BaseURL)
	} else {
		log.Printf("drive backend disabled; only local media will be served")
	}

	resolver := &source.Resolver{Gate: pathGate, Drive: drive}

	heatmaps := heatmap.New(settings.Transcode.FFmpegPath, settings.HeatmapDir())
	videoHandler := handlers.NewVideoHandler(resolver, settings.Transcode.FFmpegPath, settings.Transcode.FFprobePath, heatmaps)
	thumbnailHandler := handlers.NewThumbnailHandler(resolver, provider, settings.Transcode.FFmpegPath, settings.ThumbnailDir())

	hlsManager, err := handlers.NewHLSManager(resolver, settings.Transcode.FFmpegPath, settings.HLS.TempDirectory, settings.HLS.SegmentSeconds, settings.SessionTTL())
	if err != nil {
		log.Fatalf("failed to initialise hls manager: %v", err)
	}
	hlsHandler := handlers.NewHLSHandler(hlsManager)
	staticHandler := handlers.NewStaticHandler(resolver)

	r := mux.NewRouter()
	api.Register(r, videoHandler, thumbnailHandler, hlsHandler, staticHandler)

	addr := fmt.Sprintf("%s:%d", settings.Server.Host, settings.Server.Port)
	fmt.Printf("Server starting on %s\n", addr)

	// Create HTTP server with timeouts
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // No write timeout for streaming
		IdleTimeout:  120 * time.Second,
	}

	// Setup graceful shutdown
	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)

	// Start server in goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for shutdown signal
	<-shutdownChan
	log.Println("🛑 Shutdown signal received, cleaning up...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	log.Println("🧹 Stopping HLS sessions...")
	hlsManager.Shutdown()

	if drive != nil {
		log.Println("🧹 Stopping drive downloads...")
		drive.Shutdown()
	}

	// Shutdown HTTP server gracefully
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	log.Println("✅ Shutdown complete")
}
