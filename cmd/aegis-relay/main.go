package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/ghalamif/AegisRelay"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	var err error

	switch cmd {
	case "run":
		err = runCommand(os.Args[2:])
	case "validate":
		err = validateCommand(os.Args[2:])
	case "stats":
		err = statsCommand(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		printUsage()
		err = fmt.Errorf("unknown command %q", cmd)
	}

	if err != nil {
		log.Fatalf("aegis-relay %s: %v", cmd, err)
	}
}

func runCommand(args []string) error {
	fs := pflag.NewFlagSet("run", pflag.ExitOnError)
	cfgPath := fs.StringP("config", "c", "./data/config.yaml", "Path to relay configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := aegisrelay.LoadConfig(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	rt, err := aegisrelay.NewRuntime(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return rt.Run(ctx)
}

func validateCommand(args []string) error {
	fs := pflag.NewFlagSet("validate", pflag.ExitOnError)
	cfgPath := fs.StringP("config", "c", "./data/config.yaml", "Path to configuration file to validate")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := aegisrelay.LoadConfig(*cfgPath)
	if err != nil {
		return err
	}
	fmt.Printf("config %s is valid: %d capture groups, %d streams, store enabled=%t\n",
		*cfgPath, len(cfg.Capture.Groups), len(cfg.Streams), cfg.Store.Enabled)
	for _, s := range cfg.Streams {
		if s.Buffer != nil {
			fmt.Printf("  stream %s buffers to %s (files up to %s)\n", s.Name, s.Buffer.Dir, s.Buffer.MaxFileSize)
		}
	}
	return nil
}

func statsCommand(args []string) error {
	fs := pflag.NewFlagSet("stats", pflag.ExitOnError)
	url := fs.String("url", "http://localhost:9100/metrics", "Prometheus metrics endpoint")
	interval := fs.DurationP("interval", "i", 2*time.Second, "Refresh interval")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	fmt.Printf("Streaming metrics from %s (Ctrl+C to stop)\n", *url)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := printMetricsSnapshot(*url); err != nil {
				fmt.Fprintf(os.Stderr, "stats error: %v\n", err)
			}
		}
	}
}

var watched = []string{
	"relay_records_ingested_total",
	"relay_store_written_total",
	"relay_stream_sent_total",
	"relay_writeback_queue_length",
	"relay_buffer_pending",
	"relay_buffer_size_bytes",
	"relay_stream_connected",
}

func printMetricsSnapshot(url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	values := make(map[string]float64, len(watched))
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		for _, key := range watched {
			if strings.HasPrefix(line, key+" ") {
				var value float64
				if _, err := fmt.Sscanf(line, key+" %g", &value); err == nil {
					values[key] = value
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	fmt.Printf("[%s] ingested=%.0f stored=%.0f streamed=%.0f queue=%.0f buffered=%.0f (%s) connected=%.0f\n",
		time.Now().Format(time.RFC3339),
		values["relay_records_ingested_total"],
		values["relay_store_written_total"],
		values["relay_stream_sent_total"],
		values["relay_writeback_queue_length"],
		values["relay_buffer_pending"],
		humanize.Bytes(uint64(values["relay_buffer_size_bytes"])),
		values["relay_stream_connected"],
	)
	return nil
}

func printUsage() {
	fmt.Printf(`AegisRelay CLI

Usage:
  aegis-relay <command> [flags]

Commands:
  run        Start the relay using the provided config
  validate   Load and validate a config file without starting the relay
  stats      Poll the Prometheus metrics endpoint and print live counters

Examples:
  aegis-relay run --config ./data/config.yaml
  aegis-relay validate -c ./data/config.yaml
  aegis-relay stats --url http://localhost:9100/metrics -i 1s
`)
}
