package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/zhangyunhao116/fastrand"

	"github.com/OrrinLabs/tally/client"
	"github.com/OrrinLabs/tally/models"
)

var (
	logger     *slog.Logger
	endpoint   string
	apiKey     string
	skipVerify bool
)

func init() {
	logOpts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	handler := slog.NewTextHandler(os.Stderr, logOpts)
	logger = slog.New(handler)

	flag.StringVar(&endpoint, "endpoint", "http://127.0.0.1:8080", "Base URL of the tally daemon")
	flag.StringVar(&apiKey, "key", "", "API key. Defaults to the TALLY_API_KEY environment variable.")
	flag.BoolVar(&skipVerify, "skip-verify", false, "Skip TLS certificate verification")
}

func getClient() (*client.Client, error) {
	key := apiKey
	if key == "" {
		key = os.Getenv("TALLY_API_KEY")
	}
	if key == "" {
		return nil, fmt.Errorf("no API key: pass --key or set TALLY_API_KEY")
	}

	return client.New(&client.Config{
		Endpoint:   endpoint,
		ApiKey:     key,
		SkipVerify: skipVerify,
		Logger:     logger.WithGroup("client"),
	})
}

func main() {
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}

	command := args[0]
	cmdArgs := args[1:]

	cli, err := getClient()
	if err != nil {
		logger.Error("Failed to initialize API client", "error", err)
		fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("Error:"), err)
		os.Exit(1)
	}

	switch command {
	case "create":
		handleCreate(cli, cmdArgs)
	case "get":
		handleGet(cli, cmdArgs)
	case "list":
		handleList(cli, cmdArgs)
	case "delete":
		handleDelete(cli, cmdArgs)
	case "apply":
		handleApply(cli, cmdArgs)
	case "aggregate":
		handleAggregate(cli, cmdArgs)
	case "rebalance":
		handleRebalance(cli, cmdArgs)
	case "ping":
		handlePing(cli, cmdArgs)
	case "watch":
		handleWatch(cli, cmdArgs)
	case "drive":
		handleDrive(cli, cmdArgs)
	default:
		logger.Error("Unknown command", "command", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: tallyc [flags] <command> [args...]\n")
	fmt.Fprintf(os.Stderr, "\nFlags:\n")
	flag.PrintDefaults()

	fmt.Fprintf(os.Stderr, "\n%s\n", color.YellowString("Counter Lifecycle:"))
	fmt.Fprintf(os.Stderr, "  %s %s\n", color.GreenString("create"), color.CyanString("[seeds [min max]]"))
	fmt.Fprintf(os.Stderr, "    Create a counter with an optional seed shard count and value bounds\n")
	fmt.Fprintf(os.Stderr, "  %s %s\n", color.GreenString("get"), color.CyanString("<counter>"))
	fmt.Fprintf(os.Stderr, "  %s\n", color.GreenString("list"))
	fmt.Fprintf(os.Stderr, "  %s %s\n", color.GreenString("delete"), color.CyanString("<counter>"))

	fmt.Fprintf(os.Stderr, "\n%s\n", color.YellowString("Counter Operations:"))
	fmt.Fprintf(os.Stderr, "  %s %s %s\n", color.GreenString("apply"), color.CyanString("<counter>"), color.CyanString("<delta>"))
	fmt.Fprintf(os.Stderr, "    Add a signed delta to a counter\n")
	fmt.Fprintf(os.Stderr, "  %s %s\n", color.GreenString("aggregate"), color.CyanString("<counter>"))
	fmt.Fprintf(os.Stderr, "    Read the counter total and its per-shard breakdown\n")
	fmt.Fprintf(os.Stderr, "  %s %s\n", color.GreenString("rebalance"), color.CyanString("<counter>"))
	fmt.Fprintf(os.Stderr, "    Run one split/merge cycle on the counter's shard pool\n")
	fmt.Fprintf(os.Stderr, "  %s\n", color.GreenString("ping"))

	fmt.Fprintf(os.Stderr, "\n%s\n", color.YellowString("Streaming:"))
	fmt.Fprintf(os.Stderr, "  %s %s\n", color.GreenString("watch"), color.CyanString("[counter]"))
	fmt.Fprintf(os.Stderr, "    Stream change events for one counter, or all counters when omitted (blocks until Ctrl+C)\n")

	fmt.Fprintf(os.Stderr, "\n%s\n", color.YellowString("Load:"))
	fmt.Fprintf(os.Stderr, "  %s %s %s\n", color.GreenString("drive"), color.CyanString("<counter>"), color.CyanString("[--workers N] [--duration D] [--max-delta M]"))
	fmt.Fprintf(os.Stderr, "    Hammer a counter with concurrent random deltas, then check the aggregate against the landed sum\n")

	fmt.Fprintf(os.Stderr, "\n%s\n", color.CyanString("Examples:"))
	fmt.Fprintf(os.Stderr, "  tallyc create 3\n")
	fmt.Fprintf(os.Stderr, "  tallyc create 3 0 100000\n")
	fmt.Fprintf(os.Stderr, "  tallyc apply %s 5\n", "ctr_01H...")
	fmt.Fprintf(os.Stderr, "  tallyc aggregate %s\n", "ctr_01H...")
	fmt.Fprintf(os.Stderr, "  tallyc watch\n")
	fmt.Fprintf(os.Stderr, "  tallyc drive %s --workers 16 --duration 30s\n", "ctr_01H...")
}

func handleCreate(c *client.Client, args []string) {
	if len(args) != 0 && len(args) != 1 && len(args) != 3 {
		logger.Error("create: takes [seeds] or [seeds min max]")
		printUsage()
		os.Exit(1)
	}

	var req models.CreateCounterRequest
	var err error
	if len(args) >= 1 {
		req.SeedShards, err = strconv.Atoi(args[0])
		if err != nil {
			logger.Error("create: invalid seed shard count", "seeds", args[0], "error", err)
			os.Exit(1)
		}
	}
	if len(args) == 3 {
		req.Bounds.Min, err = strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			logger.Error("create: invalid min bound", "min", args[1], "error", err)
			os.Exit(1)
		}
		req.Bounds.Max, err = strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			logger.Error("create: invalid max bound", "max", args[2], "error", err)
			os.Exit(1)
		}
	}

	lc, err := c.Create(context.Background(), req)
	if err != nil {
		logger.Error("Create failed", "error", err)
		fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("Error:"), err)
		os.Exit(1)
	}

	color.HiGreen("Created counter %s", lc.ID)
	fmt.Printf("  shards: %s\n", strings.Join(lc.ShardIDs, ", "))
	if lc.Bounds.Enabled() {
		fmt.Printf("  bounds: %d..%d\n", lc.Bounds.Min, lc.Bounds.Max)
	}
}

func handleGet(c *client.Client, args []string) {
	if len(args) != 1 {
		logger.Error("get: requires <counter>")
		printUsage()
		os.Exit(1)
	}

	lc, err := c.Get(context.Background(), args[0])
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			fmt.Fprintf(os.Stderr, "%s Counter '%s' not found.\n", color.RedString("Error:"), color.CyanString(args[0]))
		} else {
			logger.Error("Get failed", "counter", args[0], "error", err)
			fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("Error:"), err)
		}
		os.Exit(1)
	}

	fmt.Printf("id:      %s\n", lc.ID)
	if lc.Bounds.Enabled() {
		fmt.Printf("bounds:  %d..%d\n", lc.Bounds.Min, lc.Bounds.Max)
	} else {
		fmt.Printf("bounds:  unbounded\n")
	}
	fmt.Printf("created: %s\n", lc.CreatedAt.Local().Format(time.RFC3339))
	fmt.Printf("shards (%d):\n", len(lc.ShardIDs))
	for _, shardID := range lc.ShardIDs {
		fmt.Printf("  %s\n", shardID)
	}
}

func handleList(c *client.Client, args []string) {
	if len(args) != 0 {
		logger.Error("list: does not take arguments")
		printUsage()
		os.Exit(1)
	}

	ids, err := c.List(context.Background())
	if err != nil {
		logger.Error("List failed", "error", err)
		fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("Error:"), err)
		os.Exit(1)
	}
	for _, id := range ids {
		fmt.Println(id)
	}
}

func handleDelete(c *client.Client, args []string) {
	if len(args) != 1 {
		logger.Error("delete: requires <counter>")
		printUsage()
		os.Exit(1)
	}

	if err := c.Delete(context.Background(), args[0]); err != nil {
		logger.Error("Delete failed", "counter", args[0], "error", err)
		fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("Error:"), err)
		os.Exit(1)
	}
	color.HiGreen("OK")
}

func handleApply(c *client.Client, args []string) {
	if len(args) != 2 {
		logger.Error("apply: requires <counter> <delta>")
		printUsage()
		os.Exit(1)
	}
	counterID := args[0]
	delta, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		logger.Error("apply: invalid delta", "delta", args[1], "error", err)
		os.Exit(1)
	}

	result, err := c.Apply(context.Background(), counterID, delta)
	if err != nil {
		logger.Error("Apply failed", "counter", counterID, "error", err)
		fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("Error:"), err)
		os.Exit(1)
	}

	if !result.Applied {
		color.HiYellow("Rejected: %s (after %d attempts)", result.Reason, result.Attempts)
		os.Exit(1)
	}
	color.HiGreen("OK %+d on %s, shard now %d", delta, result.ShardID, result.NewValue)
}

func handleAggregate(c *client.Client, args []string) {
	if len(args) != 1 {
		logger.Error("aggregate: requires <counter>")
		printUsage()
		os.Exit(1)
	}

	snap, err := c.Aggregate(context.Background(), args[0])
	if err != nil {
		logger.Error("Aggregate failed", "counter", args[0], "error", err)
		fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("Error:"), err)
		os.Exit(1)
	}

	fmt.Println(snap.Total)
	for _, reading := range snap.Shards {
		fmt.Printf("  %s  %d\n", reading.ShardID, reading.Value)
	}
}

func handleRebalance(c *client.Client, args []string) {
	if len(args) != 1 {
		logger.Error("rebalance: requires <counter>")
		printUsage()
		os.Exit(1)
	}

	summary, err := c.Rebalance(context.Background(), args[0])
	if err != nil {
		logger.Error("Rebalance failed", "counter", args[0], "error", err)
		fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("Error:"), err)
		os.Exit(1)
	}

	if len(summary.Actions) == 0 {
		color.HiYellow("No structural changes needed.")
	}
	for _, action := range summary.Actions {
		if action.Error != "" {
			fmt.Printf("%s %s: %s\n", color.RedString(action.Kind), strings.Join(action.Sources, ", "), action.Error)
			continue
		}
		switch action.Kind {
		case "split":
			fmt.Printf("%s %s -> %s\n", color.GreenString(action.Kind), strings.Join(action.Sources, ", "), strings.Join(action.Created, ", "))
		case "merge":
			fmt.Printf("%s folded %s\n", color.GreenString(action.Kind), strings.Join(action.Removed, ", "))
		default:
			fmt.Printf("%s %+v\n", color.GreenString(action.Kind), action)
		}
	}
	fmt.Printf("shards now: %s\n", strings.Join(summary.ShardIDs, ", "))
}

func handlePing(c *client.Client, args []string) {
	if len(args) != 0 {
		logger.Error("ping: does not take arguments")
		printUsage()
		os.Exit(1)
	}

	resp, err := c.Ping(context.Background())
	if err != nil {
		logger.Error("Ping failed", "error", err)
		fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("Error:"), err)
		os.Exit(1)
	}
	color.HiGreen("OK - Ping successful")
	for k, v := range resp {
		fmt.Printf("  %s: %s\n", k, v)
	}
}

func handleWatch(c *client.Client, args []string) {
	if len(args) > 1 {
		logger.Error("watch: takes at most one <counter>")
		printUsage()
		os.Exit(1)
	}
	counterID := ""
	if len(args) == 1 {
		counterID = args[0]
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("Received signal, closing event stream...", "signal", sig.String())
		cancel()
	}()

	events, err := c.Watch(ctx, counterID)
	if err != nil {
		logger.Error("Watch failed", "counter", counterID, "error", err)
		fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("Error:"), err)
		os.Exit(1)
	}

	if counterID == "" {
		logger.Info("Watching all counters")
	} else {
		logger.Info("Watching counter", "counter", counterID)
	}

	for event := range events {
		fmt.Printf("[%s] %s\n", event.At.Local().Format("15:04:05"), describeEvent(event))
	}
	logger.Info("Event stream closed.")
}

func describeEvent(event models.CounterEvent) string {
	counter := color.CyanString(event.CounterID)
	switch event.Kind {
	case models.EventCounterCreated:
		return fmt.Sprintf("created %s", counter)
	case models.EventDeltaApplied:
		return fmt.Sprintf("%s %+d on %s, now %d", counter, event.Delta, event.ShardID, event.Value)
	case models.EventShardSplit:
		return fmt.Sprintf("%s split %s at value %d", counter, event.ShardID, event.Value)
	case models.EventShardsMerged:
		return fmt.Sprintf("%s folded %+d into %s, now %d", counter, event.Delta, event.ShardID, event.Value)
	case models.EventCounterDeleted:
		return fmt.Sprintf("deleted %s", counter)
	default:
		return fmt.Sprintf("%s %s", event.Kind, counter)
	}
}

func handleDrive(c *client.Client, args []string) {
	if len(args) < 1 {
		logger.Error("drive: requires <counter> [flags]")
		printUsage()
		os.Exit(1)
	}
	counterID := args[0]

	fs := flag.NewFlagSet("drive", flag.ContinueOnError)
	workers := fs.Int("workers", 8, "Concurrent apply workers")
	duration := fs.Duration("duration", 10*time.Second, "How long to run")
	maxDelta := fs.Int64("max-delta", 5, "Deltas are drawn from [-max-delta, max-delta], excluding zero")
	if err := fs.Parse(args[1:]); err != nil {
		os.Exit(1)
	}
	if *workers < 1 || *maxDelta < 1 {
		logger.Error("drive: workers and max-delta must be positive")
		os.Exit(1)
	}

	before, err := c.Aggregate(context.Background(), counterID)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			fmt.Fprintf(os.Stderr, "%s Counter '%s' not found, create it first.\n", color.RedString("Error:"), color.CyanString(counterID))
		} else {
			logger.Error("Pre-run aggregate failed", "counter", counterID, "error", err)
			fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("Error:"), err)
		}
		os.Exit(1)
	}

	sigCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("Received signal, stopping drive...", "signal", sig.String())
		cancel()
	}()

	runCtx, stopRun := context.WithTimeout(sigCtx, *duration)
	defer stopRun()

	color.HiCyan("Driving %s with %d workers for %s, starting total %d", counterID, *workers, *duration, before.Total)

	var applied, rejected, failed, landedSum atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for runCtx.Err() == nil {
				delta := fastrand.Int63n(*maxDelta) + 1
				if fastrand.Int31n(2) == 0 {
					delta = -delta
				}
				result, err := client.WithRetries(runCtx, logger, func() (models.ApplyResult, error) {
					return c.Apply(runCtx, counterID, delta)
				})
				if err != nil {
					if runCtx.Err() != nil {
						return
					}
					failed.Add(1)
					fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("Failed:"), err)
					continue
				}
				if result.Applied {
					applied.Add(1)
					landedSum.Add(delta)
				} else {
					rejected.Add(1)
					fmt.Fprintf(os.Stderr, "%s %s after %d attempts\n", color.YellowString("Rejected:"), result.Reason, result.Attempts)
				}
			}
		}()
	}
	wg.Wait()

	readCtx, stopRead := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopRead()

	after, err := c.Aggregate(readCtx, counterID)
	if err != nil {
		logger.Error("Post-run aggregate failed", "counter", counterID, "error", err)
		fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("Error:"), err)
		os.Exit(1)
	}

	expected := before.Total + landedSum.Load()
	if after.Total != expected {
		// The snapshot is only exact when nothing is in flight; a
		// rebalance cycle may still be moving value right after the
		// run, so give it one settled re-read.
		time.Sleep(2 * time.Second)
		after, err = c.Aggregate(readCtx, counterID)
		if err != nil {
			logger.Error("Post-run aggregate failed", "counter", counterID, "error", err)
			fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("Error:"), err)
			os.Exit(1)
		}
	}

	color.HiCyan("Drive complete: %d applied, %d rejected, %d failed across %d shards",
		applied.Load(), rejected.Load(), failed.Load(), len(after.Shards))
	if after.Total == expected {
		color.HiGreen("Conservation holds: aggregate %d matches landed deltas (%+d on starting total %d)",
			after.Total, landedSum.Load(), before.Total)
		return
	}
	color.HiRed("Conservation mismatch: aggregate %d, landed deltas say %d", after.Total, expected)
	os.Exit(1)
}
