package main

import (
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/marshwren/lanroom/internal/config"
	"github.com/marshwren/lanroom/internal/media"
	"github.com/marshwren/lanroom/internal/metrics"
	"github.com/marshwren/lanroom/internal/server"
	"github.com/marshwren/lanroom/internal/session"
	"github.com/marshwren/lanroom/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	registry := session.NewRegistry()
	files := store.NewMemoryStore()

	video := media.NewRelay(media.Config{
		Kind:        session.MediaVideo,
		Port:        cfg.VideoPort,
		ChunkSize:   cfg.FragmentSize,
		Interval:    cfg.VideoInterval,
		Staleness:   cfg.FrameStaleness,
		ReadTimeout: cfg.MediaReadTimeout,
	}, registry, media.JPEGCodec{Quality: cfg.JPEGQuality})

	audio := media.NewRelay(media.Config{
		Kind:        session.MediaAudio,
		Port:        cfg.AudioPort,
		ChunkSize:   cfg.FragmentSize,
		Interval:    cfg.AudioInterval,
		Staleness:   cfg.FrameStaleness,
		ReadTimeout: cfg.MediaReadTimeout,
		Mix:         cfg.AudioMix,
	}, registry, media.PCMCodec{})

	if err := video.Start(); err != nil {
		logrus.Fatalf("start video relay: %v", err)
	}
	if err := audio.Start(); err != nil {
		logrus.Fatalf("start audio relay: %v", err)
	}

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(cfg.MetricsAddr); err != nil {
				logrus.WithError(err).Error("metrics endpoint stopped")
			}
		}()
	}

	srv := server.New(cfg, registry, files, video, audio)
	if err := srv.Start(cfg.ListenAddr); err != nil {
		logrus.Fatalf("start control listener: %v", err)
	}

	logrus.WithFields(logrus.Fields{
		"ip":    localIP(),
		"ctl":   cfg.ListenAddr,
		"video": cfg.VideoPort,
		"audio": cfg.AudioPort,
	}).Info("lanroom server ready")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logrus.Info("shutting down")
	srv.Stop()
	video.Stop()
	audio.Stop()
}

// localIP reports the address LAN peers should dial, without sending any
// traffic: the socket is never written to.
func localIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}
