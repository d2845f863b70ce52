package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"meshboard/internal/admin"
	"meshboard/internal/config"
	"meshboard/internal/gateway"
	"meshboard/internal/link"
	"meshboard/internal/logging"
	"meshboard/internal/serialport"
)

const shutdownGrace = 5 * time.Second

func usage() {
	fmt.Fprintf(os.Stderr, `meshboard - mesh bulletin-board radio gateway

Usage:
  meshboard start     [-config PATH] [-port DEV] [-baud N]
  meshboard init      [-config PATH]
  meshboard status    [-addr URL]
  meshboard smoketest -port DEV [-baud N] [-timeout SEC]
`)
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	logging.ConfigureRuntime()

	var err error
	switch os.Args[1] {
	case "start":
		err = runStart(os.Args[2:])
	case "init":
		err = runInit(os.Args[2:])
	case "status":
		err = runStatus(os.Args[2:])
	case "smoketest":
		err = runSmoketest(os.Args[2:])
	default:
		usage()
	}
	if err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func loadConfig(path string) (config.Config, error) {
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		log.Warn().Str("path", path).Msg("config not found, using built-in defaults")
		return config.Default(), nil
	}
	return config.Load(path)
}

func runStart(args []string) error {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	cfgPath := fs.String("config", "meshboard.toml", "configuration file")
	portDev := fs.String("port", "", "serial device (overrides config)")
	baud := fs.Int("baud", 0, "baud rate (overrides config)")
	fs.Parse(args)

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	if *portDev != "" {
		cfg.Device.Port = *portDev
	}
	if *baud > 0 {
		cfg.Device.BaudRate = *baud
	}
	if cfg.Device.Port == "" {
		return fmt.Errorf("no serial device configured; use -port or set device.port")
	}

	port, err := serialport.Open(cfg.Device.Port, cfg.Device.BaudRate, cfg.ReadTimeout())
	if err != nil {
		return err
	}
	defer port.Close()

	gw, err := gateway.New(cfg, port)
	if err != nil {
		return err
	}
	gw.Start()

	var adm *admin.Server
	if cfg.Admin.Listen != "" {
		adm = admin.New(gw, cfg.Gateway.Name, cfg.Admin.Listen, cfg.Admin.CorsOrigins)
		adm.Start()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case s := <-sig:
			log.Info().Stringer("signal", s).Msg("shutting down")
			ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			if adm != nil {
				adm.Stop(ctx)
			}
			gw.Shutdown(ctx)
			return nil
		case err := <-gw.Errs():
			// One link task died; the rest keeps running so the operator
			// can inspect state, but the device needs attention.
			log.Error().Err(err).Msg("link task failed, gateway degraded")
		case ev := <-gw.Events():
			logEvent(gw, ev)
		}
	}
}

func logEvent(gw *gateway.Gateway, ev link.Event) {
	switch ev.Kind {
	case link.KindText:
		log.Info().
			Str("from", gw.Nodes().Label(ev.Source)).
			Bool("direct", ev.IsDirect).
			Uint32("channel", ev.Channel).
			Str("text", ev.Content).
			Msg("message received")
	case link.KindBinary:
		log.Info().
			Str("from", gw.Nodes().Label(ev.Source)).
			Int("bytes", len(ev.Raw)).
			Msg("binary payload received")
	case link.KindNodeSeen:
		log.Info().Uint32("node", ev.Source).Str("name", ev.Content).Msg("node seen")
	case link.KindSyncComplete:
		log.Info().Uint32("node", ev.Source).Msg("device ready")
	}
}

func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	cfgPath := fs.String("config", "meshboard.toml", "configuration file to create")
	fs.Parse(args)

	if dir := filepath.Dir(*cfgPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if err := config.WriteDefault(*cfgPath); err != nil {
		return err
	}
	log.Info().Str("path", *cfgPath).Msg("config written")
	return nil
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:9080", "admin server base URL")
	fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	for _, path := range []string{"/health", "/stats"} {
		resp, err := client.Get(*addr + path)
		if err != nil {
			return fmt.Errorf("status: %w", err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return err
		}
		var pretty json.RawMessage = body
		out, err := json.MarshalIndent(pretty, "", "  ")
		if err != nil {
			out = body
		}
		fmt.Printf("%s:\n%s\n", path, out)
	}
	return nil
}

// runSmoketest opens the device, drives a handshake, and reports whether
// the initial sync completes within the timeout.
func runSmoketest(args []string) error {
	fs := flag.NewFlagSet("smoketest", flag.ExitOnError)
	portDev := fs.String("port", "", "serial device")
	baud := fs.Int("baud", 115200, "baud rate")
	timeout := fs.Int("timeout", 30, "seconds to wait for device sync")
	fs.Parse(args)

	if *portDev == "" {
		return fmt.Errorf("smoketest: -port is required")
	}

	cfg := config.Default()
	cfg.Device.Port = *portDev
	cfg.Device.BaudRate = *baud
	cfg.Device.NodeCachePath = filepath.Join(os.TempDir(), "meshboard-smoketest-nodes.json")

	port, err := serialport.Open(cfg.Device.Port, cfg.Device.BaudRate, cfg.ReadTimeout())
	if err != nil {
		return err
	}
	defer port.Close()

	gw, err := gateway.New(cfg, port)
	if err != nil {
		return err
	}
	gw.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		gw.Shutdown(ctx)
	}()

	deadline := time.After(time.Duration(*timeout) * time.Second)
	for {
		select {
		case ev := <-gw.Events():
			if ev.Kind == link.KindSyncComplete {
				fmt.Printf("OK: device synced, node id 0x%08X, %d nodes known\n", gw.NodeID(), gw.Nodes().Len())
				return nil
			}
		case err := <-gw.Errs():
			return fmt.Errorf("smoketest: %w", err)
		case <-deadline:
			return fmt.Errorf("smoketest: device did not sync within %ds", *timeout)
		}
	}
}
