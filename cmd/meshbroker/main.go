// Package main runs the meshwire broker: a process that listens on one
// or more TCP ports, authenticates connecting nodes by group secret and
// shared token, and routes messages and commands between them.
//
// Configuration loading strategy:
//  1. Command line argument: a YAML config file path
//  2. Hardcoded single-port default, for quick local testing
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/tenzoki/meshwire/internal/broker"
	"github.com/tenzoki/meshwire/internal/config"
)

func main() {
	var configFile string
	flag.StringVar(&configFile, "config", "", "path to broker YAML config")
	flag.Parse()

	var cfg *config.Config
	if configFile != "" {
		loaded, err := config.Load(configFile)
		if err != nil {
			log.Fatalf("failed to load config from %s: %v", configFile, err)
		}
		cfg = loaded
		log.Printf("starting meshbroker using config file: %s", configFile)
	} else {
		cfg = defaultConfig()
		log.Printf("no -config given, using hardcoded default (single port on :9001)")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc := broker.NewService()
	for i := range cfg.Ports {
		pc := &cfg.Ports[i]
		if secret, generated := pc.EnsureDefaultGroup(); generated {
			log.Printf("port %s declared no groups; bootstrapped group %q with secret %q", pc.Addr, config.DefaultGroupName, secret)
		}
		port, err := svc.Listen(ctx, pc.Addr, broker.PortConfig{
			Token:       pc.Token,
			Groups:      pc.Groups,
			IdleTimeout: pc.IdleTimeout(),
			Debug:       pc.Debug || cfg.Debug,
		})
		if err != nil {
			log.Fatalf("failed to start listener on %s: %v", pc.Addr, err)
		}
		log.Printf("meshbroker listening on %s", port.Addr())
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	log.Printf("received signal %s, shutting down", sig)
	cancel()
}

func defaultConfig() *config.Config {
	return &config.Config{
		AppName: "meshbroker",
		Ports: []config.PortConfig{
			{
				Addr:   ":9001",
				Token:  "dev-token",
				Groups: map[string]string{"default": "dev-secret"},
			},
		},
	}
}
