package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Streaming metrics
var (
	StreamsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediaserve_streams_started_total",
			Help: "Total number of media streams started",
		},
		[]string{"mode"}, // "direct", "transcode", "hls"
	)

	StreamBytesServed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mediaserve_stream_bytes_served_total",
			Help: "Total bytes written to streaming clients",
		},
	)

	TranscodesKilled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mediaserve_transcodes_killed_total",
			Help: "Total number of ffmpeg processes killed on client disconnect",
		},
	)
)

// Drive cache metrics
var (
	DriveCacheReads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediaserve_drive_cache_reads_total",
			Help: "Range reads served from the drive cache versus the remote provider",
		},
		[]string{"source"}, // "cache", "remote"
	)

	DriveDownloadsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mediaserve_drive_downloads_active",
			Help: "Number of background drive downloads currently running",
		},
	)

	DriveBytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mediaserve_drive_bytes_downloaded_total",
			Help: "Total bytes persisted to the local drive cache",
		},
	)
)

// Thumbnail metrics
var (
	ThumbnailRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediaserve_thumbnail_requests_total",
			Help: "Thumbnail requests by cache outcome",
		},
		[]string{"result"}, // "hit", "miss", "error"
	)
)

// HLS metrics
var (
	HLSSessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mediaserve_hls_sessions_created_total",
			Help: "Total number of HLS sessions created",
		},
	)

	HLSSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mediaserve_hls_sessions_active",
			Help: "Number of live HLS sessions",
		},
	)
)
