// fleetwatch-agent samples local host metrics and pushes them to a
// fleetwatch server's ingestion endpoint. It stands in for a robot's
// onboard telemetry publisher during development and testing.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	gocpu "github.com/shirou/gopsutil/v4/cpu"
	godisk "github.com/shirou/gopsutil/v4/disk"
	gohost "github.com/shirou/gopsutil/v4/host"
	gomem "github.com/shirou/gopsutil/v4/mem"
	"github.com/spf13/cobra"

	"github.com/fleetwatch/fleetwatch/internal/logging"
	"github.com/fleetwatch/fleetwatch/internal/models"
)

var (
	serverURL string
	deviceID  string
	interval  time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "fleetwatch-agent",
	Short: "Push local host metrics to a fleetwatch server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	rootCmd.Flags().StringVar(&serverURL, "server", "http://localhost:7656", "fleetwatch server URL")
	rootCmd.Flags().StringVar(&deviceID, "device-id", "", "device identifier (defaults to hostname)")
	rootCmd.Flags().DurationVar(&interval, "interval", 15*time.Second, "sampling interval")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	logging.Init(logging.Config{Component: "fleetwatch-agent", Level: os.Getenv("LOG_LEVEL")})

	if deviceID == "" {
		info, err := gohost.Info()
		if err != nil {
			return fmt.Errorf("failed to determine hostname: %w", err)
		}
		deviceID = info.Hostname
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := &http.Client{Timeout: 10 * time.Second}

	log.Info().
		Str("server", serverURL).
		Str("device", deviceID).
		Dur("interval", interval).
		Msg("Agent started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		sample(ctx, client)

		select {
		case <-ctx.Done():
			log.Info().Msg("Agent stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func sample(ctx context.Context, client *http.Client) {
	now := time.Now()

	if percents, err := gocpu.PercentWithContext(ctx, time.Second, false); err == nil && len(percents) > 0 {
		push(ctx, client, models.MetricReading{
			DeviceID:   deviceID,
			MetricType: string(models.MetricCPU),
			Value:      percents[0],
			ObservedAt: now,
		})
	} else if err != nil {
		log.Warn().Err(err).Msg("CPU sample failed")
	}

	if vm, err := gomem.VirtualMemoryWithContext(ctx); err == nil {
		push(ctx, client, models.MetricReading{
			DeviceID:   deviceID,
			MetricType: string(models.MetricMemory),
			Value:      vm.UsedPercent,
			ObservedAt: now,
		})
	} else {
		log.Warn().Err(err).Msg("Memory sample failed")
	}

	if usage, err := godisk.UsageWithContext(ctx, "/"); err == nil {
		push(ctx, client, models.MetricReading{
			DeviceID:   deviceID,
			MetricType: string(models.MetricDisk),
			Source:     "/",
			Value:      usage.UsedPercent,
			ObservedAt: now,
		})
	} else {
		log.Warn().Err(err).Msg("Disk sample failed")
	}
}

func push(ctx context.Context, client *http.Client, reading models.MetricReading) {
	body, err := json.Marshal(reading)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode reading")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL+"/api/readings", bytes.NewReader(body))
	if err != nil {
		log.Error().Err(err).Msg("Failed to build request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("metric", reading.MetricType).Msg("Push failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		log.Warn().
			Int("status", resp.StatusCode).
			Str("metric", reading.MetricType).
			Msg("Server rejected reading")
	}
}
