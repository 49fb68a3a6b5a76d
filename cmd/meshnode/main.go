// Package main is an example meshwire node: it dials a broker with group
// credentials, registers a couple of request handlers on an endpoint
// runtime, and sends the broker an "alive" probe on a timer via the support scheduler
// until interrupted.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tenzoki/meshwire/internal/client"
	"github.com/tenzoki/meshwire/internal/config"
	"github.com/tenzoki/meshwire/internal/idgen"
	"github.com/tenzoki/meshwire/internal/support"
	"github.com/tenzoki/meshwire/public/endpoint"
)

func main() {
	var configFile string
	var name string
	flag.StringVar(&configFile, "config", "", "path to node YAML config")
	flag.StringVar(&name, "name", "", "override node name")
	flag.Parse()

	if configFile == "" {
		log.Fatal("meshnode: -config is required")
	}

	cfg, err := config.LoadNode(configFile)
	if err != nil {
		log.Fatalf("meshnode: failed to load config: %v", err)
	}
	if name != "" {
		cfg.Name = name
	}
	if cfg.Mac == "" {
		cfg.Mac = idgen.HostMac("MeshNode")
	}

	conn, err := client.Dial(cfg.BrokerAddr, client.Credentials{
		Group:  cfg.Group,
		Secret: cfg.Secret,
		Token:  cfg.Token,
		Mac:    cfg.Mac,
		Name:   cfg.Name,
		OS:     "meshwire-node",
	}, 10*time.Second)
	if err != nil {
		log.Fatalf("meshnode: dial %s: %v", cfg.BrokerAddr, err)
	}
	defer conn.Close()

	log.Printf("meshnode: connected to %s as mac=%s group=%s", cfg.BrokerAddr, cfg.Mac, cfg.Group)

	ep := endpoint.New(endpoint.WrapPipe(conn.Pipe), endpoint.WithDebug(cfg.Debug))
	ep.Request("ping", func(req *endpoint.Request) *endpoint.Response {
		return &endpoint.Response{Data: "pong"}
	}, "reply pong to any ping")
	ep.Default(func(req *endpoint.Request) *endpoint.Response {
		log.Printf("meshnode: unhandled route %q", req.Route())
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ep.Start(ctx)
	defer ep.Stop()

	sched := support.NewScheduler()
	sched.Start()
	defer sched.Stop()
	sched.Schedule(func() {
		if _, err := conn.Cmd("alive", nil); err != nil {
			log.Printf("meshnode: alive ping failed: %v", err)
		}
	}, time.Second, 30*time.Second)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("meshnode: received signal %s, shutting down", sig)
}
