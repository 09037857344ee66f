package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"github.com/riverfog7/ContentInstaller/internal"
)

var (
	cancelMessage atomic.Value
	sizeSuffixes  = []string{"B", "KB", "MB", "GB", "TB", "PB", "EB", "ZB", "YB"}
)

func InstallCommand(cfg *internal.Config, cmd *InstallCmd) int {
	titleType := internal.TitleUnknown
	if cmd.TitleType != "" {
		parsed, err := internal.ParseTitleType(cmd.TitleType)
		if err != nil {
			log.Error().Err(err).Msg("Invalid title type")
			return 2
		}
		titleType = parsed
	}
	if cmd.SystemArea {
		cfg.InstallIntoSystemArea = true
	}

	fsys := afero.NewOsFs()
	userStore, systemStore, err := internal.OpenStores(fsys, *cfg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open content stores")
		return 1
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cancelMessage.Store("[\"C\"] Cancel")

	// Setup key monitoring
	go appExitKeyTrigger(ctx, cancel)

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			cancelMessage.Store("Cancelling install...")
			cancel()
		case <-ctx.Done():
		}
	}()

	requests := make([]internal.InstallRequest, 0, len(cmd.Paths))
	for _, path := range cmd.Paths {
		requests = append(requests, internal.InstallRequest{Path: path, TitleType: titleType})
	}

	startTime := time.Now()
	batch := internal.NewBatch(fsys, *cfg, userStore, systemStore)
	batch.Observer = func(completed, total uint64) {
		reportProgress(completed, total, cfg.BlockSize, startTime)
	}
	batch.OnPackageComplete = func(result internal.PackageResult) {
		fmt.Println()
		event := log.Info()
		if result.Outcome.IsFailure() {
			event = log.Warn().Err(result.Err)
		}
		event.Str("package", result.Path).
			Str("outcome", result.Outcome.String()).
			Int("entries", result.Entries).
			Int("attempts", result.Attempts).
			Msg("Package finished")
	}

	results := batch.Run(ctx, requests)
	fmt.Println()

	for _, line := range results.Summary() {
		fmt.Println(line)
	}
	if results.BaseInstallAttempted() {
		fmt.Println("One or more files were rejected: installing a base game over the installed base game " +
			"in the system area is not allowed. Install updates and add-ons instead.")
	}

	if _, _, failed := results.Counts(); failed > 0 {
		return 1
	}
	return 0
}

func reportProgress(completed, total uint64, blockSize int, startTime time.Time) {
	if blockSize <= 0 {
		blockSize = internal.DefaultBlockSize
	}
	written := float64(completed) * float64(blockSize)
	elapsed := time.Since(startTime).Seconds()
	speed := 0.0
	if elapsed > 0 {
		speed = written / elapsed
	}
	percent := 0.0
	if total > 0 {
		percent = float64(completed) / float64(total) * 100
	}

	message, _ := cancelMessage.Load().(string)
	fmt.Printf("\r%s | %5.1f%% %s/%s (%s/s)    ",
		message,
		percent,
		summarizeSizeSimple(written),
		summarizeSizeSimple(float64(total)*float64(blockSize)),
		summarizeSizeSimple(speed),
	)
}

func appExitKeyTrigger(ctx context.Context, cancel context.CancelFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			var b [1]byte
			_, err := os.Stdin.Read(b[:])
			if err != nil {
				return
			}

			switch b[0] {
			case 'C', 'c':
				cancelMessage.Store("Cancelling install...")
				cancel()
				return
			}
		}
	}
}

func summarizeSizeSimple(value float64, decimalPlaces ...int) string {
	if value == 0 {
		return "0 B"
	}

	dp := 2
	if len(decimalPlaces) > 0 {
		dp = decimalPlaces[0]
	}

	// Calculate magnitude
	mag := 0
	for value >= 1024 && mag < len(sizeSuffixes)-1 {
		value /= 1024
		mag++
	}

	return fmt.Sprintf("%."+strconv.Itoa(dp)+"f %s", value, sizeSuffixes[mag])
}
