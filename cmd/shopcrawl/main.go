package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"shopcrawl/pkg/config"
	"shopcrawl/pkg/crawler"
	"shopcrawl/pkg/models"
	"shopcrawl/pkg/storage"
)

func main() {
	// --- Early Initialization & Flags ---
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	log.SetLevel(logrus.InfoLevel)

	configPath := flag.String("config", "config.yaml", "Path to YAML config file")
	logLevelFlag := flag.String("loglevel", "info", "Log level (debug, info, warn, error, fatal)")
	resumeFlag := flag.Bool("resume", false, "Resume crawl using existing state DB")
	outFlag := flag.String("out", "", "Results file path (default <output_dir>/results.json)")
	flag.Parse()

	// --- Logger Configuration ---
	level, err := logrus.ParseLevel(*logLevelFlag)
	if err != nil {
		log.Warnf("Invalid log level '%s', using default 'info'. Error: %v", *logLevelFlag, err)
	} else {
		log.SetLevel(level)
		log.Infof("Setting log level to: %s", level.String())
	}

	// --- Load Application Configuration ---
	log.Infof("Loading configuration from %s", *configPath)
	yamlFile, err := os.ReadFile(*configPath)
	if err != nil {
		log.Fatalf("Read config file '%s' error: %v", *configPath, err)
	}
	var appCfg config.AppConfig
	if err := yaml.Unmarshal(yamlFile, &appCfg); err != nil {
		log.Fatalf("Parse config file '%s' error: %v", *configPath, err)
	}

	warnings, err := appCfg.Validate()
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}
	for _, w := range warnings {
		log.Warn(w)
	}
	logAppConfig(&appCfg, log)

	// --- Global Context & Signal Handling ---
	var crawlCtx context.Context
	var cancelCrawl context.CancelFunc
	if appCfg.Deadline > 0 {
		log.Infof("Setting crawl deadline: %v", appCfg.Deadline)
		crawlCtx, cancelCrawl = context.WithTimeout(context.Background(), appCfg.Deadline)
	} else {
		crawlCtx, cancelCrawl = context.WithCancel(context.Background())
	}
	defer cancelCrawl()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		sig := <-sigChan
		log.Warnf("Received signal: %v. Initiating graceful shutdown...", sig)
		cancelCrawl()

		select {
		case sig = <-sigChan:
			log.Warnf("Received second signal: %v. Forcing exit.", sig)
			os.Exit(1)
		case <-time.After(30 * time.Second):
			log.Warn("Graceful shutdown period exceeded after signal. Forcing exit.")
			os.Exit(1)
		}
	}()

	// --- Storage ---
	store, err := storage.NewBadgerStore(appCfg.StateDir, *resumeFlag, logrus.NewEntry(log))
	if err != nil {
		log.Fatalf("Failed to initialize crawl DB: %v", err)
	}
	defer store.Close()
	go store.RunGC(crawlCtx, 10*time.Minute)

	// --- Session ---
	session := crawler.NewSession(&appCfg, crawler.SessionOptions{
		Store:  store,
		Resume: *resumeFlag,
	}, logrus.NewEntry(log))

	summary, err := session.Run(crawlCtx)
	if err != nil {
		log.Errorf("Crawl finished with storage error: %v", err)
	}
	if summary == nil {
		os.Exit(1)
	}

	// --- Export Results ---
	outPath := *outFlag
	if outPath == "" {
		outPath = filepath.Join(appCfg.OutputDir, "results.json")
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		log.Errorf("Cannot create output directory: %v", err)
	} else {
		results, collectErr := store.CollectResults(&summary.Stats)
		if collectErr != nil {
			log.Errorf("Failed to collect results: %v", collectErr)
		} else if writeErr := storage.WriteResultsFile(outPath, results); writeErr != nil {
			log.Errorf("Failed to write results file: %v", writeErr)
		} else {
			log.Infof("Results written to %s", outPath)
		}
	}

	printSummary(summary, log)

	if summary.Stats.Termination == string(models.TerminationCancelled) {
		log.Warn("Crawl was cancelled before completion.")
	}
	if err != nil {
		os.Exit(1)
	}
}

// printSummary logs the final crawl statistics block.
func printSummary(summary *crawler.Summary, log *logrus.Logger) {
	stats := summary.Stats
	log.Info("---------------- CRAWL FINISHED ----------------")
	log.Infof("Termination reason:   %s", stats.Termination)
	log.Infof("Elapsed:              %v", stats.Elapsed.Round(time.Millisecond))
	log.Infof("Pages visited:        %d", stats.PagesVisited)
	log.Infof("Products found:       %d", stats.ProductsFound)
	log.Infof("Fetch failures:       %d", stats.FetchFailures)
	log.Infof("Pages blocked:        %d", stats.PagesBlocked)
	log.Infof("Hosts blocked:        %d (%v)", stats.HostsBlocked, summary.BlockedHosts)
	log.Infof("Rejected links:       %d", stats.RejectedLinks)
	log.Infof("Disallowed links:     %d", stats.DisallowedLinks)
	log.Infof("Sitemap URLs seeded:  %d", stats.SitemapURLsSeeded)
	log.Infof("Avg crawlability:     %.3f", stats.AvgCrawlability)
	log.Infof("Rank: %d nodes, converged=%t after %d iterations",
		len(summary.Scores), summary.RankTermination.Converged, summary.RankTermination.Iterations)

	if len(summary.Scores) > 0 {
		type scored struct {
			url   string
			score float64
		}
		top := make([]scored, 0, len(summary.Scores))
		for u, s := range summary.Scores {
			top = append(top, scored{u, s})
		}
		sort.Slice(top, func(i, j int) bool { return top[i].score > top[j].score })
		if len(top) > 10 {
			top = top[:10]
		}
		log.Info("Top ranked pages:")
		for i, entry := range top {
			log.Infof("  %2d. %.5f  %s", i+1, entry.score, entry.url)
		}
	}
	log.Info("------------------------------------------------")
}

// logAppConfig logs the effective global configuration.
func logAppConfig(appCfg *config.AppConfig, log *logrus.Logger) {
	log.Infof("Config: Seeds:%d, AllowedHosts:%v, MaxPages:%d, MaxDepth:%d, Workers:%d",
		len(appCfg.SeedURLs), appCfg.AllowedHosts, appCfg.MaxPages, appCfg.MaxDepth, appCfg.NumWorkers)
	log.Infof("Config Policy: BaseDelay:%v, BackoffFactor:%.1f, MaxDelay:%v, TransientThreshold:%d, DefensiveThreshold:%d, Cooldown:%v, Identities:%d",
		appCfg.Policy.BaseDelay, appCfg.Policy.BackoffFactor, appCfg.Policy.MaxDelay,
		appCfg.Policy.TransientThreshold, appCfg.Policy.DefensiveThreshold, appCfg.Policy.CooldownWindow, len(appCfg.Policy.Identities))
	log.Infof("Config Rank: Damping:%.2f, MaxIterations:%d, Tolerance:%g",
		appCfg.Rank.DampingFactor, appCfg.Rank.MaxIterations, appCfg.Rank.Tolerance)
	log.Infof("Config Render: Timeout:%v, QuietWindow:%v", appCfg.Render.Timeout, appCfg.Render.QuietWindow)
	log.Infof("Config Dirs: State:%s, Output:%s", appCfg.StateDir, appCfg.OutputDir)
}
