// Command `spectro-server` exposes the instrument over a local HTTP API.
//
// JSON endpoints connect to the instrument, report calibration needs, run
// calibrations and measurements and return stored readings as CSV. A
// WebSocket stream at /ws/events carries switch presses and results.
//
// Flags:
//
//	-addr:   TCP address to listen on (overrides server.addr in the config)
//	-config: path to a YAML config file
//	-sim:    use the simulated instrument
package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/CK6170/spectro-go/internal/config"
	"github.com/CK6170/spectro-go/internal/server"
)

func main() {
	var (
		addr     = flag.String("addr", "", "http listen address")
		cfgPath  = flag.String("config", "", "path to YAML config")
		simulate = flag.Bool("sim", false, "use the simulated instrument")
	)
	flag.Parse()

	cfg := config.Default()
	if *cfgPath != "" {
		c, err := config.Load(*cfgPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = c
	}
	if *simulate {
		cfg.USB.Simulate = true
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	level := zerolog.InfoLevel
	if cfg.Debug {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Logger()

	s := server.New(cfg.Open, cfg.DeviceOptions(logger), logger)
	defer func() { _ = s.Close() }()

	// Bind the listen address early so we fail fast if the port is in use.
	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		log.Fatalf("Failed to listen on %s: %v", cfg.Server.Addr, err)
	}
	logger.Info().Str("addr", cfg.Server.Addr).Str("url", makeURL(cfg.Server.Addr)).
		Bool("simulate", cfg.USB.Simulate).Msg("serving")

	if err := http.Serve(ln, s.Handler()); err != nil {
		fmt.Println(err)
	}
}

// makeURL turns a listen address (host:port) into a reachable URL. Wildcard
// hosts map to 127.0.0.1.
func makeURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("http://%s/", strings.TrimSpace(addr))
	}
	if host == "" || host == "0.0.0.0" || host == "::" || host == "[::]" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%s/", host, port)
}
