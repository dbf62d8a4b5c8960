// Package metrics exposes the server's operational counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lanroom_connected_clients",
		Help: "Number of clients currently registered.",
	})

	ChatMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lanroom_chat_messages_total",
		Help: "Chat messages relayed.",
	})

	FramesRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lanroom_media_frames_relayed_total",
		Help: "Complete media frames fanned out, per kind.",
	}, []string{"kind"})

	FramesAssembled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lanroom_media_frames_assembled_total",
		Help: "Media frames fully reassembled from fragments, per kind.",
	}, []string{"kind"})

	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lanroom_media_frames_dropped_total",
		Help: "Incomplete media frames purged past the staleness window, per kind.",
	}, []string{"kind"})

	FilesStored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lanroom_files_stored_total",
		Help: "Files fully uploaded and published.",
	})

	FileBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lanroom_file_bytes_total",
		Help: "Bytes accepted through completed uploads.",
	})
)

// Serve exposes /metrics on addr. Blocks; run it in its own goroutine.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
