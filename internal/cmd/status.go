package cmd

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"

	"github.com/maestrohq/maestro/internal/build"
)

// CmdStatus creates the command that queries a running controller.
func CmdStatus() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "status [flags]",
			Short: "Display the status of a running controller",
			Long: `Query a running controller's health and stats endpoints and print a
summary of the replica, the worker fleet, the task queue and the
response cache.

Flags:
  --addr string  Controller address to query (default is the configured host:port)

Example:
  maestro status
  maestro status --addr=10.0.0.5:8700
`,
		}, statusFlags, runStatus,
	)
}

var statusFlags = []commandLineFlag{addrFlag}

type healthSummary struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	ActiveMaster   string `json:"active_master"`
	IsActive       bool   `json:"is_active"`
	WorkersHealthy int    `json:"workers_healthy"`
	WorkersTotal   int    `json:"workers_total"`
}

type statsSummary struct {
	Health struct {
		TotalWorkers int `json:"total_workers"`
		Healthy      int `json:"healthy"`
		Degraded     int `json:"degraded"`
		Unhealthy    int `json:"unhealthy"`
		Dead         int `json:"dead"`
	} `json:"health"`
	Queue struct {
		Total    int `json:"total"`
		Capacity int `json:"capacity"`
	} `json:"queue"`
	Cache *struct {
		Entries        int     `json:"entries"`
		HitRatePercent float64 `json:"hit_rate_percent"`
		SavedCalls     int64   `json:"saved_calls"`
	} `json:"cache"`
	Leader *struct {
		CurrentMaster string `json:"current_master"`
		ActiveMaster  string `json:"active_master"`
		TotalMasters  int    `json:"total_masters"`
	} `json:"leader"`
}

func runStatus(ctx *Context, _ []string) error {
	addr, err := ctx.StringParam("addr")
	if err != nil {
		return err
	}
	if addr == "" {
		addr = net.JoinHostPort(ctx.Config.Server.Host, strconv.Itoa(ctx.Config.Server.Port))
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}

	client := resty.New().
		SetBaseURL(addr).
		SetTimeout(10 * time.Second).
		SetHeader("User-Agent", build.Slug+"-cli/"+build.Version)

	var health healthSummary
	resp, err := client.R().SetContext(ctx).SetResult(&health).Get("/api/v1/health")
	if err != nil {
		return fmt.Errorf("controller unreachable at %s: %w", addr, err)
	}
	if resp.IsError() {
		return fmt.Errorf("controller %s answered %d: %s", addr, resp.StatusCode(), resp.Body())
	}

	var stats statsSummary
	resp, err = client.R().SetContext(ctx).SetResult(&stats).Get("/api/v1/stats")
	if err != nil {
		return fmt.Errorf("failed to fetch stats from %s: %w", addr, err)
	}
	if resp.IsError() {
		return fmt.Errorf("stats endpoint answered %d: %s", resp.StatusCode(), resp.Body())
	}

	printStatus(addr, health, stats)
	return nil
}

func printStatus(addr string, health healthSummary, stats statsSummary) {
	fmt.Printf("Controller:  %s (%s, version %s)\n", addr, health.Status, health.Version)
	role := "standby"
	if health.IsActive {
		role = "active"
	}
	if health.ActiveMaster != "" {
		fmt.Printf("Replica:     %s (active master: %s)\n", role, health.ActiveMaster)
	} else {
		fmt.Printf("Replica:     %s\n", role)
	}
	if stats.Leader != nil && stats.Leader.TotalMasters > 1 {
		fmt.Printf("Masters:     %d registered\n", stats.Leader.TotalMasters)
	}
	fmt.Printf("Workers:     %d total, %d healthy, %d degraded, %d unhealthy, %d dead\n",
		stats.Health.TotalWorkers, stats.Health.Healthy, stats.Health.Degraded,
		stats.Health.Unhealthy, stats.Health.Dead)
	fmt.Printf("Queue:       %d/%d tasks waiting\n", stats.Queue.Total, stats.Queue.Capacity)
	if stats.Cache != nil {
		fmt.Printf("Cache:       %d entries, %.1f%% hit rate, %d calls saved\n",
			stats.Cache.Entries, stats.Cache.HitRatePercent, stats.Cache.SavedCalls)
	}
}
