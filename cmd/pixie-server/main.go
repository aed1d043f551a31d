// Command pixie-server hosts one or more boot configurations and
// serves their manifests and file chunks to diskless clients on the
// local network.
package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/pixieboot/pixieboot/internal/bootconfig"
	"github.com/pixieboot/pixieboot/internal/bootscript"
	"github.com/pixieboot/pixieboot/internal/broadcastsel"
	"github.com/pixieboot/pixieboot/internal/chunksender"
	"github.com/pixieboot/pixieboot/internal/logging"
	"github.com/pixieboot/pixieboot/internal/serverstore"
	"github.com/pixieboot/pixieboot/internal/serverudp"
	"github.com/pixieboot/pixieboot/pkg/bootmanifest"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: pixie-server <config_json> [<config_json> ...]")
		os.Exit(1)
	}

	log := logging.New("pixie-server", envOr("PIXIE_LOG_LEVEL", "info"))

	configs, err := bootconfig.LoadAll(os.Args[1:])
	if err != nil {
		log.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}

	store := serverstore.New()
	regs := make([]bootscript.Registration, 0, len(configs))
	for _, c := range configs {
		built, err := bootmanifest.Build(c.Files, c.ChunkSize)
		if err != nil {
			log.Error("failed to build manifest", "config", c.SourcePath, "err", err)
			os.Exit(1)
		}
		if err := store.Add(built); err != nil {
			log.Error("failed to register configuration", "config", c.SourcePath, "err", err)
			os.Exit(1)
		}
		log.Info("loaded configuration",
			"config", c.SourcePath,
			"subnet", c.Subnet,
			"configuration_digest", built.ConfigurationDigest,
			"manifest_digest", built.ManifestDigest,
			"files", len(built.Manifest.Entries),
		)
		regs = append(regs, bootscript.Registration{Config: c, ConfigurationDigest: built.ConfigurationDigest})
	}

	selector, err := broadcastsel.Discover()
	if err != nil {
		log.Error("failed to enumerate broadcast interfaces", "err", err)
		os.Exit(1)
	}

	sender, err := chunksender.New(store, log)
	if err != nil {
		log.Error("failed to open chunk sender socket", "err", err)
		os.Exit(1)
	}
	go sender.Run()
	defer sender.Stop()

	udp, err := serverudp.New(store, sender, selector, log)
	if err != nil {
		log.Error("failed to open request socket", "err", err)
		os.Exit(1)
	}
	go udp.Run()
	defer udp.Stop()

	httpSrv := &http.Server{
		Addr:         httpAddr(),
		Handler:      bootscript.New(regs, log).Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Info("pixie-server ready", "http_addr", httpSrv.Addr, "udp_port", serverudp.Port)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("http server failed", "err", err)
		os.Exit(1)
	}
}

func httpAddr() string {
	host := envOr("PIXIE_HTTP_ADDR", "")
	port := envOr("PIXIE_HTTP_PORT", "80")
	return host + ":" + port
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
