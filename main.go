package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/AAVision/rasp-scanner/config"
	"github.com/AAVision/rasp-scanner/logging"
	"github.com/AAVision/rasp-scanner/metrics"
	"github.com/AAVision/rasp-scanner/rasp"
	"github.com/AAVision/rasp-scanner/report"
	"github.com/AAVision/rasp-scanner/server"
)

// exitAbnormal is returned when a one-shot scan detects something.
const exitAbnormal = 2

func printBanner() {
	banner := `
██████╗  █████╗ ███████╗██████╗     ███████╗ ██████╗ █████╗ ███╗   ██╗
██╔══██╗██╔══██╗██╔════╝██╔══██╗    ██╔════╝██╔════╝██╔══██╗████╗  ██║
██████╔╝███████║███████╗██████╔╝    ███████╗██║     ███████║██╔██╗ ██║
██╔══██╗██╔══██║╚════██║██╔═══╝     ╚════██║██║     ██╔══██║██║╚██╗██║
██║  ██║██║  ██║███████║██║         ███████║╚██████╗██║  ██║██║ ╚████║
╚═╝  ╚═╝╚═╝  ╚═╝╚══════╝╚═╝         ╚══════╝ ╚═════╝╚═╝  ╚═╝╚═╝  ╚═══╝

              Runtime Self-Protection Scanner
                  Created By AAVision :)
	`
	printCyan("%s", banner+"\n")
}

func main() {
	configPath := flag.String("config", "", "YAML configuration file")
	watch := flag.Duration("watch", 0, "scan at this interval until interrupted")
	serve := flag.String("serve", "", "serve scans and metrics over HTTP on this address")
	asJSON := flag.Bool("json", false, "print the report as JSON")
	flag.Parse()

	os.Exit(run(*configPath, *watch, *serve, *asJSON))
}

func run(configPath string, interval time.Duration, addr string, asJSON bool) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		printDanger("[-] Error: %v\n", err)
		return 1
	}
	watch, serve := interval > 0, addr != ""
	if watch {
		cfg.Interval = interval
	}
	if serve {
		cfg.ListenAddr = addr
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	m := metrics.New()

	engine, err := rasp.New(cfg, logger, m)
	if err != nil {
		printDanger("[-] Error: %v\n", err)
		return 1
	}

	if !watch && !serve {
		if !asJSON {
			printBanner()
		}
		r := engine.Scan(context.Background())
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(r); err != nil {
				printDanger("[-] Error: %v\n", err)
				return 1
			}
		} else {
			report.Print(os.Stdout, r)
		}
		if r.Abnormal {
			return exitAbnormal
		}
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	printBanner()
	if watch {
		printHeader("[+] Scanning every %s\n", cfg.Interval)
	}
	if serve {
		printHeader("[+] Serving on http://%s\n", cfg.ListenAddr)
	}

	var (
		wg     sync.WaitGroup
		srvErr error
	)
	if watch {
		wg.Go(func() {
			engine.Watch(ctx, cfg.Interval, func(r *report.Report) {
				printDanger("\n🚨 SECURITY WARNING: %s\n", r.Result())
			})
		})
	}
	if serve {
		wg.Go(func() {
			if srvErr = server.New(engine, m, logger, cfg.ScanRateLimit).Run(ctx, cfg.ListenAddr); srvErr != nil {
				// Stop the watch loop too.
				stop()
			}
		})
	}
	wg.Wait()

	if srvErr != nil && !errors.Is(srvErr, context.Canceled) {
		printDanger("[-] Error: %v\n", srvErr)
		return 1
	}
	fmt.Println()
	printSuccess("[+] Stopped\n")
	return 0
}
