// Command gateway runs the RTSP-to-WebRTC streaming gateway: it ingests a
// single RTSP camera (or a synthetic test pattern), fans the resulting
// H.264 access units out to every admitted browser peer over WebRTC, and
// exposes a WebSocket signaling endpoint plus a small static/admin HTTP
// server for the viewer page.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robotstream/gateway/internal/config"
	"github.com/robotstream/gateway/internal/healthlog"
	"github.com/robotstream/gateway/internal/httpstatic"
	"github.com/robotstream/gateway/internal/logging"
	"github.com/robotstream/gateway/internal/media"
	"github.com/robotstream/gateway/internal/peer"
	"github.com/robotstream/gateway/internal/registry"
	"github.com/robotstream/gateway/internal/signaling"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (defaults layered underneath)")
	logLevel := flag.String("log-level", "", "override logging.level from the config file")
	rtspURL := flag.String("rtsp-url", "", "override rtsp.url from the config file")
	signalingPort := flag.Int("signaling-port", 0, "override server.signaling_port from the config file")
	testBuild := flag.Bool("test-pattern", false, "use the synthetic test-pattern graph when rtsp.url is empty")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *rtspURL != "" {
		cfg.Rtsp.URL = *rtspURL
	}
	if *signalingPort != 0 {
		cfg.Server.SignalingPort = uint16(*signalingPort)
	}

	logging.SetLevel(logging.ParseLevel(cfg.Logging.Level))
	log := logging.For("main")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received signal %v, shutting down", sig)
		cancel()
	}()
	logging.SetCriticalHook(cancel)

	log.Info("gateway %s starting, rtsp=%q signaling_port=%d http_port=%d", version, cfg.Rtsp.URL, cfg.Server.SignalingPort, cfg.Server.HTTPPort)

	mediaPipeline := media.New(media.Config{
		URL:                  cfg.Rtsp.URL,
		Transport:            cfg.Rtsp.Transport,
		LatencyMs:            cfg.Rtsp.LatencyMs,
		ReconnectIntervalMs:  cfg.Rtsp.ReconnectIntervalMs,
		ReconnectMaxAttempts: cfg.Rtsp.ReconnectMaxAttempts,
		TestBuild:            *testBuild,
		HWEncode:             cfg.Encoding.HWEncode,
		Passthrough:          cfg.Encoding.Passthrough,
		Preset:               cfg.Encoding.Preset,
		IDRInterval:          cfg.Encoding.IDRInterval,
		InsertSPSPPS:         cfg.Encoding.InsertSPSPPS,
		PayloadType:          cfg.WebRTC.Video.PayloadType,
		BitrateKbps:          cfg.WebRTC.Video.BitrateKbps,
		MinBitrateKbps:       cfg.WebRTC.Video.MinBitrateKbps,
		MaxBitrateKbps:       cfg.WebRTC.Video.MaxBitrateKbps,
	})
	log.Info("media pipeline built in %s mode", mediaPipeline.Mode())

	peerRegistry := registry.New(cfg.WebRTC.MaxPeers)
	mediaPipeline.SetNalSink(peerRegistry.BroadcastNAL)

	signalingEndpoint := signaling.New(signaling.Config{
		Port:           cfg.Server.SignalingPort,
		StunServer:     cfg.WebRTC.StunServer,
		TurnServer:     cfg.WebRTC.TurnServer,
		TurnUsername:   cfg.WebRTC.TurnUsername,
		TurnCredential: cfg.WebRTC.TurnCredential,
		Video: peer.VideoConfig{
			PayloadType: uint8(cfg.WebRTC.Video.PayloadType),
			ClockRate:   uint32(cfg.WebRTC.Video.ClockRate),
			BitrateKbps: cfg.WebRTC.Video.BitrateKbps,
		},
	}, peerRegistry)
	signalingEndpoint.SetBitrateCallback(func(kbps int) {
		mediaPipeline.SetBitrate(cfg.WebRTC.Video.Clamp(kbps))
	})

	httpServer := httpstatic.New(httpstatic.Config{
		Port:    cfg.Server.HTTPPort,
		WebRoot: cfg.Server.WebRoot,
	}, statsAdapter{media: mediaPipeline, registry: peerRegistry})

	health := healthlog.New(30*time.Second, mediaPipeline, peerRegistry)

	peerRegistry.Start()
	mediaPipeline.Start()
	if err := signalingEndpoint.Start(); err != nil {
		log.Critical("signaling listener failed: %v", err)
	}
	if err := httpServer.Start(); err != nil {
		log.Critical("http listener failed: %v", err)
	}
	health.Start()

	<-ctx.Done()

	shutdownBound := 2*time.Duration(cfg.Rtsp.ReconnectIntervalMs)*time.Millisecond + time.Second
	done := make(chan struct{})
	go func() {
		defer close(done)

		log.Info("shutdown: stopping signaling listener")
		if err := signalingEndpoint.Stop(); err != nil {
			log.Error("signaling shutdown: %v", err)
		}

		log.Info("shutdown: stopping http listener")
		if err := httpServer.Stop(); err != nil {
			log.Error("http shutdown: %v", err)
		}

		log.Info("shutdown: stopping health reporter")
		health.Stop()

		log.Info("shutdown: stopping media pipeline")
		mediaPipeline.Stop()

		log.Info("shutdown: stopping peer registry")
		peerRegistry.Stop()
	}()

	select {
	case <-done:
		log.Info("gateway stopped")
	case <-time.After(shutdownBound):
		log.Critical("shutdown exceeded %s, forcing exit", shutdownBound)
		os.Exit(1)
	}
}

// statsAdapter satisfies httpstatic.StatsSource by delegating straight to
// the two components' own counters.
type statsAdapter struct {
	media    *media.Pipeline
	registry *registry.Registry
}

func (s statsAdapter) MediaStats() media.Stats       { return s.media.GetStats() }
func (s statsAdapter) RegistryStats() registry.Stats { return s.registry.GetStats() }
