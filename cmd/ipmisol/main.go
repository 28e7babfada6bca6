// Command ipmisol maintains a console session and SDR reader against
// every configured BMC and exposes them over HTTP. Grounded on the
// teacher's main.go, with the discovery/log-rotation wiring replaced by
// the explicit target list and SDR cache this module's config
// describes.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"ipmisol/config"
	"ipmisol/console"
	"ipmisol/httpserver"
	"ipmisol/ipmi"
	"ipmisol/sdr"
)

// Version info - increment based on change magnitude:
// Major (x.0.0): Breaking changes, major rewrites
// Minor (0.y.0): New features, significant enhancements
// Patch (0.0.z): Bug fixes, minor improvements
var Version = "1.0.0"

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	flag.Parse()

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	log.Infof("starting ipmisol v%s", Version)
	log.Infof("  targets: %d", len(cfg.IPMI.Targets))
	log.Infof("  sdr cache: %s", cfg.SDR.CachePath)
	log.Infof("  web port: %d", cfg.Server.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("shutting down...")
		cancel()
	}()

	reactor := ipmi.NewReactor(log.StandardLogger())
	defer reactor.Close()

	cache := sdr.NewCache(cfg.SDR.CachePath)

	manager := console.NewManager(reactor, cache, log.StandardLogger())

	for _, t := range cfg.IPMI.Targets {
		target := console.Target{
			Name:      t.Name,
			Address:   t.Address,
			Username:  t.Username,
			Password:  []byte(t.Password),
			Privilege: privilegeFromString(t.Privilege),
			Keepalive: t.KeepaliveEnabled(),
		}
		if t.Kg != "" {
			target.Kg = []byte(t.Kg)
		}
		log.Infof("starting console session for %s (%s)", t.Name, t.Address)
		manager.StartSession(target)
	}

	srv := httpserver.New(cfg.Server.Port, manager, Version, log.StandardLogger())

	if err := srv.Run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func privilegeFromString(s string) uint8 {
	switch s {
	case "callback":
		return ipmi.PrivCallback
	case "user":
		return ipmi.PrivUser
	case "operator":
		return ipmi.PrivOperator
	case "admin":
		return ipmi.PrivAdmin
	default:
		return 0 // auto-downgrade starting at PrivAdmin
	}
}
