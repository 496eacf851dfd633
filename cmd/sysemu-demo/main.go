//go:build linux

// Command sysemu-demo drives an emulated System with a mixed mapping and
// proxying workload and reports what happened.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"hash/crc32"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	sysemu "github.com/ehrlich-b/go-sysemu"
	"github.com/ehrlich-b/go-sysemu/backend"
	"github.com/ehrlich-b/go-sysemu/internal/logging"
	"github.com/ehrlich-b/go-sysemu/prom"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to a TOML config file")
		heapStr     = flag.String("heap", "", "Heap limit (e.g., 64M, 1G)")
		threads     = flag.Int("threads", 0, "Number of emulated threads")
		dur         = flag.Duration("duration", 0, "How long to run the workload")
		file        = flag.String("file", "", "Host file to map (default: in-memory file)")
		useURing    = flag.Bool("uring", false, "Flush file mappings through io_uring")
		metricsAddr = flag.String("metrics", "", "Serve Prometheus metrics on this address")
		verbose     = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	// Flags override the config file
	if *heapStr != "" {
		cfg.Heap.Limit = *heapStr
	}
	if *threads > 0 {
		cfg.Threads.Count = *threads
	}
	if *dur > 0 {
		cfg.Workload.Duration.Duration = *dur
	}
	if *file != "" {
		cfg.Host.File = *file
	}
	if *useURing {
		cfg.Host.URing = true
	}
	if *metricsAddr != "" {
		cfg.Metrics.Listen = *metricsAddr
	}
	if *verbose {
		cfg.Verbose = true
	}
	if err := cfg.validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	// Set up logging
	logConfig := logging.DefaultConfig()
	logConfig.Level, _ = logging.ParseLevel(cfg.LogLevel)
	if cfg.Verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go dumpStacksOnSignal(logger)

	err = run(ctx, cfg, logger)
	if err != nil {
		logger.Error("demo failed", "error", err)
	}
	if n := logger.Dropped(); n > 0 {
		fmt.Fprintf(os.Stderr, "%d log records dropped\n", n)
	}
	logger.Close()
	if err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg Config, logger *logging.Logger) error {
	heapLimit, _ := parseSize(cfg.Heap.Limit)
	mapSize, _ := parseSize(cfg.Workload.MapSize)

	params := sysemu.DefaultParams()
	params.HeapLimit = heapLimit
	if cfg.Threads.Max > 0 {
		params.MaxThreads = cfg.Threads.Max
	}

	hostOpts := backend.Options{Logger: logger}
	if cfg.Host.WritebackMBps > 0 {
		hostOpts.WritebackLimit = rate.Limit(cfg.Host.WritebackMBps * 1024 * 1024)
	}

	var fileHost *backend.File
	var memHost *backend.Memory
	params.NewHost = func(arena sysemu.Arena) sysemu.HostIO {
		if cfg.Host.File != "" {
			fileHost = backend.NewFile(arena, backend.FileOptions{Options: hostOpts, URing: cfg.Host.URing})
			return fileHost
		}
		memHost = backend.NewMemory(arena, hostOpts)
		return memHost
	}

	reg := prometheus.NewRegistry()
	observer, err := prom.NewObserver(reg, "sysemu")
	if err != nil {
		return err
	}

	sys, err := sysemu.New(params, &sysemu.Options{Context: ctx, Logger: logger, Observer: observer})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sys.Close(closeCtx); err != nil {
			logger.Error("error closing system", "error", err)
		}
	}()
	reg.MustRegister(prom.NewCollector(sys, "sysemu"))

	// The file every worker maps
	var fd int
	if fileHost != nil {
		fd, err = fileHost.Open(cfg.Host.File, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", cfg.Host.File, err)
		}
		defer fileHost.Close(fd)
		logger.Info("mapping host file", "path", cfg.Host.File, "uring", fileHost.URing())
	} else {
		fd = memHost.Create("demo", bytes.Repeat([]byte{0xAB}, int(mapSize)))
	}

	ids := make([]uint32, 0, cfg.Threads.Count)
	for i := 0; i < cfg.Threads.Count; i++ {
		th, err := sys.Spawn()
		if err != nil {
			return err
		}
		ids = append(ids, th.ID())
	}

	if cfg.Metrics.Listen != "" {
		srv := &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer srv.Close()
		logger.Info("serving metrics", "addr", cfg.Metrics.Listen)
	}

	logger.Info("starting workload",
		"threads", len(ids),
		"concurrency", cfg.Workload.Concurrency,
		"map_size", formatSize(mapSize),
		"heap_limit", formatSize(heapLimit),
		"duration", cfg.Workload.Duration.Duration)

	runCtx, stop := context.WithTimeout(ctx, cfg.Workload.Duration.Duration)
	defer stop()

	var checksums atomic.Uint64
	g, gctx := errgroup.WithContext(runCtx)
	for w := 0; w < cfg.Workload.Concurrency; w++ {
		g.Go(func() error {
			for i := 0; gctx.Err() == nil; i++ {
				target := ids[(w+i)%len(ids)]
				if err := anonymousRound(sys, target, mapSize, byte(w+i), &checksums); err != nil {
					return err
				}
				if err := fileRound(sys, fd, mapSize); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	printSummary(sys, checksums.Load())
	return nil
}

// anonymousRound maps fresh memory, fills it, checksums it on another
// thread and unmaps it.
func anonymousRound(sys *sysemu.System, target uint32, size int64, fill byte, checksums *atomic.Uint64) error {
	addr, err := sys.Mmap2(0, size, sysemu.PROT_READ|sysemu.PROT_WRITE,
		sysemu.MAP_PRIVATE|sysemu.MAP_ANONYMOUS, -1, 0)
	if err != nil {
		if sysemu.IsCode(err, sysemu.ErrCodeOutOfMemory) {
			return nil
		}
		return err
	}

	b, err := sys.Bytes(addr)
	if err != nil {
		return err
	}
	for i := range b {
		b[i] = fill
	}

	var sum uint32
	if err := sys.Call(target, func() { sum = crc32.ChecksumIEEE(b) }); err != nil {
		return err
	}
	if sum != 0 {
		checksums.Add(1)
	}

	return sys.Munmap(addr, size)
}

// fileRound maps the shared file, touches the first page and flushes it
func fileRound(sys *sysemu.System, fd int, size int64) error {
	addr, err := sys.Mmap2(0, size, sysemu.PROT_READ|sysemu.PROT_WRITE, sysemu.MAP_SHARED, fd, 0)
	if err != nil {
		if sysemu.IsCode(err, sysemu.ErrCodeOutOfMemory) {
			return nil
		}
		return err
	}

	b, err := sys.Bytes(addr)
	if err != nil {
		return err
	}
	if len(b) > 0 {
		b[0]++
	}
	if err := sys.Msync(addr, size, sysemu.MS_ASYNC); err != nil {
		return err
	}
	return sys.Munmap(addr, size)
}

func printSummary(sys *sysemu.System, checksums uint64) {
	snap := sys.MetricsSnapshot()
	info := sys.Info()

	fmt.Printf("Mappings:   %d mapped (%d anonymous, %d file), %d unmapped, %d synced\n",
		snap.MapOps, snap.AnonMapOps, snap.FileMapOps, snap.UnmapOps, snap.SyncOps)
	fmt.Printf("Errors:     %.2f%% of mapping operations\n", snap.ErrorRate)
	fmt.Printf("Bytes:      %s mapped, %s unmapped\n",
		formatSize(int64(snap.MappedBytes)), formatSize(int64(snap.UnmappedBytes)))
	fmt.Printf("Latency:    avg %s, p50 %s, p99 %s\n",
		time.Duration(snap.AvgLatencyNs), time.Duration(snap.LatencyP50Ns), time.Duration(snap.LatencyP99Ns))
	fmt.Printf("Proxying:   %d sync, %d async, %d rejected, %d executed in %d passes (%.1f per pass)\n",
		snap.SyncTasks, snap.AsyncTasks, snap.RejectedTasks, snap.ExecutedTasks, snap.DrainPasses, snap.AvgBatchSize)
	fmt.Printf("Checksums:  %d computed off-thread\n", checksums)
	fmt.Printf("Heap:       %s in use, %s peak\n", formatSize(info.HeapInUse), formatSize(info.HeapPeak))
	if stats := sys.HostStats(); stats != nil {
		fmt.Printf("Host:       %v\n", stats)
	}
	if info.Mappings > 0 {
		fmt.Printf("\nLive mappings:\n%s", sys.FormatMappings())
	}
}

// dumpStacksOnSignal writes all goroutine stacks on SIGUSR1
func dumpStacksOnSignal(logger *logging.Logger) {
	stackDumpCh := make(chan os.Signal, 1)
	signal.Notify(stackDumpCh, syscall.SIGUSR1)
	for range stackDumpCh {
		logger.Info("=== GOROUTINE STACK TRACE DUMP ===")
		buf := make([]byte, 1024*1024)
		n := runtime.Stack(buf, true)
		fmt.Fprintf(os.Stderr, "\n=== FULL GOROUTINE STACK DUMP ===\n")
		fmt.Fprintf(os.Stderr, "%s\n", buf[:n])
		fmt.Fprintf(os.Stderr, "=== END STACK DUMP ===\n\n")

		filename := fmt.Sprintf("sysemu-stacks-%d.txt", time.Now().Unix())
		if f, err := os.Create(filename); err == nil {
			fmt.Fprintf(f, "Goroutine stack dump at %s\n", time.Now().Format(time.RFC3339))
			fmt.Fprintf(f, "Process ID: %d\n\n", os.Getpid())
			f.Write(buf[:n])

			fmt.Fprintf(f, "\n\n=== GOROUTINE PROFILE ===\n")
			pprof.Lookup("goroutine").WriteTo(f, 2)

			f.Close()
			logger.Info("stack trace written to file", "file", filename)
		}
	}
}
