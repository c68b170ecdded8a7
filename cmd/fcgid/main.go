// Command fcgid runs the FastCGI daemon, grounded on the teacher
// tqserver's cmd/tqserver/main.go: flag parsing, config load, log-file
// setup with the same {date} token substitution, then start everything and
// wait on a signal for graceful shutdown.
package main

import (
	"context"
	"flag"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fcgid/fcgid/internal/config"
	"github.com/fcgid/fcgid/internal/metrics"
	"github.com/fcgid/fcgid/internal/registry"
	"github.com/fcgid/fcgid/internal/watcher"
	"github.com/fcgid/fcgid/pkg/fastcgi"
	"github.com/fcgid/fcgid/pkg/responder"
)

func main() {
	configPath := flag.String("config", "config/server.yaml", "Path to config file")
	quiet := flag.Bool("quiet", false, "Suppress log output to stdout/stderr")
	flag.Parse()

	if *quiet {
		log.SetOutput(io.Discard)
	}

	projectRoot, err := os.Getwd()
	if err != nil {
		log.Fatalf("Failed to get working directory: %v", err)
	}

	configFile := filepath.Join(projectRoot, *configPath)
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if !*quiet && cfg.Server.LogFile != "" && cfg.Server.LogFile != "~" {
		logFilePath := cfg.Server.LogFile
		dateStr := time.Now().Format("2006-01-02")
		logFilePath = filepath.Join(projectRoot, filepath.FromSlash(logFilePath))
		logFilePath = filepath.Clean(strings.ReplaceAll(logFilePath, "{date}", dateStr))

		logDir := filepath.Dir(logFilePath)
		if err := os.MkdirAll(logDir, 0755); err != nil {
			log.Fatalf("Failed to create log directory: %v", err)
		}

		logFile, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			log.Fatalf("Failed to open log file: %v", err)
		}
		defer logFile.Close()

		log.SetOutput(io.MultiWriter(os.Stdout, logFile))
		log.Printf("Server logging to: %s", logFilePath)
	}

	if cfg.Server.WorkerCount > 0 {
		runtime.GOMAXPROCS(cfg.Server.WorkerCount)
	}

	log.Printf("fcgid starting...")
	log.Printf("Config file: %s", configFile)
	log.Printf("Listening on: %s", cfg.Server.Listen)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	sessions := registry.New()
	hooks := fastcgi.MultiHooks{m, sessions}

	calc := responder.New([]string{"add", "sub", "mul", "div"})

	rulesDir := filepath.Join(projectRoot, cfg.Responder.DemoScriptsDir)
	if err := os.MkdirAll(rulesDir, 0755); err != nil {
		log.Fatalf("Failed to create responder rules directory: %v", err)
	}
	rulesPath := filepath.Join(rulesDir, "ops.txt")
	if err := seedRulesFile(rulesPath); err != nil {
		log.Fatalf("Failed to seed responder rules file: %v", err)
	}
	reloadCalculatorOps(calc, rulesPath)

	fw, err := watcher.New(rulesDir, cfg.DebounceDelay(), func(path string) {
		reloadCalculatorOps(calc, rulesPath)
	})
	if err != nil {
		log.Fatalf("Failed to start rules watcher: %v", err)
	}
	fw.Start()
	defer fw.Stop()

	stopSweep := make(chan struct{})
	go sessions.RunSweeper(30*time.Second, cfg.IdleTimeout(), stopSweep)
	defer close(stopSweep)

	srv := fastcgi.NewServer(cfg.Server.Listen, calc, hooks)
	srv.ReadTimeout = cfg.ReadTimeout()
	srv.WriteTimeout = cfg.WriteTimeout()
	srv.MaxConns = cfg.Server.MaxConns

	go func() {
		if err := srv.ListenAndServe(); err != nil {
			log.Printf("fcgid: server stopped: %v", err)
		}
	}()

	var metricsSrv *http.Server
	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
		go func() {
			log.Printf("fcgid: metrics listening on %s", cfg.Metrics.Listen)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("fcgid: metrics server error: %v", err)
			}
		}()
	}

	log.Printf("fcgid ready on %s", cfg.Server.Listen)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("fcgid: shutdown error: %v", err)
	}
	if metricsSrv != nil {
		metricsSrv.Shutdown(shutdownCtx)
	}

	log.Println("Goodbye!")
}

// reloadCalculatorOps re-reads the rules file (one enabled op name per
// line) and applies it to calc. Missing or unreadable files leave the
// calculator's current set unchanged.
func reloadCalculatorOps(calc *responder.Calculator, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("fcgid: responder: read rules file: %v", err)
		return
	}
	var ops []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ops = append(ops, line)
	}
	calc.SetEnabledOps(ops)
	log.Printf("fcgid: responder: enabled ops now %v", calc.EnabledOps())
}

func seedRulesFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return os.WriteFile(path, []byte("add\nsub\nmul\ndiv\n"), 0644)
}
