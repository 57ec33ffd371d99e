// Command replicator runs the file replication core: it watches a source
// directory, fans stable files out to configured destinations, verifies
// them, and retries or quarantines failures, per spec.md.
//
// Flag-based wiring here follows the teacher's dcp/dcpmain/main.go: flags
// parsed in init(), fatal-on-misconfiguration via os.Exit, explicit client
// construction for every external dependency before anything is wired
// together.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"github.com/golang/glog"
	"golang.org/x/sync/semaphore"

	"github.com/Johnnywatts/forker/internal/audit"
	"github.com/Johnnywatts/forker/internal/classify"
	"github.com/Johnnywatts/forker/internal/config"
	"github.com/Johnnywatts/forker/internal/copier"
	"github.com/Johnnywatts/forker/internal/model"
	"github.com/Johnnywatts/forker/internal/quarantine"
	"github.com/Johnnywatts/forker/internal/queue"
	"github.com/Johnnywatts/forker/internal/retry"
	"github.com/Johnnywatts/forker/internal/service"
	"github.com/Johnnywatts/forker/internal/target"
	"github.com/Johnnywatts/forker/internal/verify"
	"github.com/Johnnywatts/forker/internal/watcher"
)

var configPath string

func init() {
	flag.StringVar(&configPath, "config", "", "Path to the replication config YAML file. Must be set!")
	flag.Parse()
	if configPath == "" {
		fmt.Println("The config flag must be set. Run 'replicator -h' for more info about flags.")
		os.Exit(1)
	}
}

func main() {
	cfg, err := config.Load(configPath)
	if err != nil {
		glog.Exitf("replicator: failed to load config %s: %v", configPath, err)
	}

	ctx := context.Background()

	destinations, gcsClient := resolveDestinations(ctx, cfg)
	if gcsClient != nil {
		defer gcsClient.Close()
	}

	auditSink, err := audit.NewFileSink(cfg.Logging.AuditDirectory)
	if err != nil {
		glog.Exitf("replicator: failed to prepare audit sink: %v", err)
	}
	defer auditSink.Close()

	w := watcher.New(watcher.Options{
		Root:                   cfg.Directories.Source,
		IncludeSubdirectories:  cfg.Monitoring.IncludeSubdirectories,
		Filters:                watcher.Filters{Include: cfg.Monitoring.FileFilters, Exclude: cfg.Monitoring.ExcludeExtensions},
		MinimumFileAge:         time.Duration(cfg.Monitoring.MinimumFileAgeSec) * time.Second,
		StabilityCheckInterval: time.Duration(cfg.Monitoring.StabilityCheckIntervalSec) * time.Second,
		MaxStabilityChecks:     cfg.Monitoring.MaxStabilityChecks,
		RescanInterval:         time.Duration(cfg.Monitoring.RescanIntervalSec) * time.Second,
		MaxRescanDirBytes:      cfg.Monitoring.MaxRescanDirBytes,
		Sink:                   auditSink,
	}, nil)

	// MaxConcurrentReads caps concurrent source Read calls independent of
	// MaxConcurrentCopies (which bounds whole-item copy operations, each of
	// which may read from one source while writing N destinations).
	// Negative or zero means unlimited, per config.Default().
	var readSem *semaphore.Weighted
	if cfg.Copying.MaxConcurrentReads > 0 {
		readSem = semaphore.NewWeighted(int64(cfg.Copying.MaxConcurrentReads))
	}
	copyEngine := copier.New(copier.Options{
		ChunkSize:          cfg.Copying.ChunkSizeBytes,
		PreserveTimestamps: cfg.Copying.PreserveTimestamps,
		MaxBytesPerSecond:  cfg.Copying.MaxBytesPerSecond,
		ReadSemaphore:      readSem,
	})

	verifier := verify.New(verify.Options{
		Method:                 verify.Method(cfg.Verification.Method),
		LargeFileThreshold:     int64(cfg.Verification.LargeFileThresholdMB) * 1024 * 1024,
		EnableLargeFileHashing: cfg.Verification.EnableLargeFileHashing,
		TimestampTolerance:     time.Duration(cfg.Verification.TimestampToleranceSec) * time.Second,
		HashRetryAttempts:      cfg.Verification.HashRetryAttempts,
	})

	classifier := classify.New(cfg.ErrorHandler.EscalationThreshold)

	policies := make(map[string]model.RetryPolicy, len(cfg.Retry.Strategies))
	for name, s := range cfg.Retry.Strategies {
		policies[name] = model.RetryPolicy{
			Name:              name,
			MaxAttempts:       s.MaxAttempts,
			BaseDelay:         s.BaseDelay(),
			MaxDelay:          s.MaxDelay(),
			BackoffMultiplier: s.BackoffMultiplier,
			UseJitter:         s.UseJitter,
			RetriablePatterns: s.RetriablePatterns,
		}
	}
	retryExec := retry.New(policies, nil)

	recovery, err := quarantine.New(cfg.Directories.Quarantine)
	if err != nil {
		glog.Exitf("replicator: failed to prepare quarantine directory: %v", err)
	}

	q := queue.New(queue.Options{
		MaxConcurrentOperations:     cfg.Copying.MaxConcurrentCopies,
		MaxRetries:                  cfg.Copying.MaxRetries,
		RetryDelay:                  time.Duration(cfg.Processing.RetryDelayMinutes) * time.Minute,
		OperationTimeout:            time.Duration(cfg.Processing.OperationTimeoutMinutes) * time.Minute,
		ShutdownTimeout:             time.Duration(cfg.Processing.ShutdownTimeoutSeconds) * time.Second,
		HighQueueThreshold:          cfg.Processing.HighQueueThreshold,
		MaxCompletedItems:           cfg.Processing.MaxCompletedItems,
		CompletedItemRetentionHours: time.Duration(cfg.Processing.CompletedItemRetentionHours) * time.Hour,
		ProcessingInterval:          time.Duration(cfg.Processing.ProcessingIntervalSec) * time.Second,
		QuarantineDir:               cfg.Directories.Quarantine,
		Sink:                        auditSink,
	}, w.Queue(), destinations, gcsClient, copyEngine, verifier, classifier, retryExec, recovery)

	svc := service.New(service.Options{}, w, q)

	glog.Infof("replicator: watching %s, %d destination(s) configured", cfg.Directories.Source, len(destinations))
	if err := svc.Run(ctx); err != nil {
		glog.Exitf("replicator: service loop exited with error: %v", err)
	}
}

// resolveDestinations collects configured, enabled targets into a
// {name: path} map (local directories and gs:// URIs alike; the processing
// queue stages gs:// destinations locally), lazily constructing a
// storage.Client only if a gs:// target is configured.
func resolveDestinations(ctx context.Context, cfg *config.Config) (map[string]string, *storage.Client) {
	destinations := make(map[string]string, len(cfg.Directories.Targets))
	var gcsClient *storage.Client
	for name, t := range cfg.Directories.Targets {
		if !t.Enabled {
			continue
		}
		kind, _, _ := target.Resolve(t.Path)
		if kind == target.KindGCS && gcsClient == nil {
			var err error
			gcsClient, err = storage.NewClient(ctx)
			if err != nil {
				glog.Exitf("replicator: failed to create GCS client for target %s: %v", name, err)
			}
		}
		destinations[name] = t.Path
	}
	return destinations, gcsClient
}
