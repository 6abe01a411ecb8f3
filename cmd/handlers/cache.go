package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"pressroom/internal/cache"
	"pressroom/internal/config"
	"pressroom/internal/core"
	"pressroom/internal/index"
	"pressroom/internal/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// NewCacheCmd creates the cache management command
func NewCacheCmd() *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the Redis cache namespaces",
		Long: `Inspect and clear the Redis cache namespaces used by the API server.

All destructive subcommands preserve user:* keys except nuclear, which
flushes the whole database and recreates the search index.`,
	}

	cacheCmd.AddCommand(newCacheStatsCmd())
	cacheCmd.AddCommand(newCacheClearCmd())
	cacheCmd.AddCommand(newCacheForceCmd())
	cacheCmd.AddCommand(newCacheCompleteStatsCmd())
	cacheCmd.AddCommand(newCacheNuclearCmd())

	return cacheCmd
}

func newCacheStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show key counts per cache namespace",
		Run: func(cmd *cobra.Command, args []string) {
			if err := runCacheStats(cmd.Context(), false); err != nil {
				logger.Error("Failed to get cache stats", err)
				os.Exit(1)
			}
		},
	}
}

func newCacheCompleteStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete-stats",
		Short: "Show namespace counts plus hit/miss counters and memory usage",
		Run: func(cmd *cobra.Command, args []string) {
			if err := runCacheStats(cmd.Context(), true); err != nil {
				logger.Error("Failed to get cache stats", err)
				os.Exit(1)
			}
		},
	}
}

func newCacheClearCmd() *cobra.Command {
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear all cache namespaces (preserves user:* keys)",
		Long: `Remove cached article lists, similarity results, personalized feeds,
metrics counters, and temp keys. User preference and read history data
under user:* is never touched.`,
		Run: func(cmd *cobra.Command, args []string) {
			confirm, _ := cmd.Flags().GetBool("confirm")
			if err := runCacheClear(cmd.Context(), confirm); err != nil {
				logger.Error("Failed to clear cache", err)
				os.Exit(1)
			}
		},
	}

	clearCmd.Flags().Bool("confirm", false, "Skip confirmation prompt")
	return clearCmd
}

func newCacheForceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "force",
		Short: "Clear all cache namespaces without confirmation",
		Run: func(cmd *cobra.Command, args []string) {
			if err := runCacheClear(cmd.Context(), true); err != nil {
				logger.Error("Failed to clear cache", err)
				os.Exit(1)
			}
		},
	}
}

func newCacheNuclearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "nuclear",
		Short: "Flush the entire Redis database and recreate the search index",
		Long: `Delete every key in the database, including user:* data, then
recreate the article search index. Requires typing the confirmation
phrase interactively.`,
		Run: func(cmd *cobra.Command, args []string) {
			if err := runCacheNuclear(cmd.Context()); err != nil {
				logger.Error("Nuclear clear failed", err)
				os.Exit(1)
			}
		},
	}
}

func connectCache(ctx context.Context) (*redis.Client, *cache.Cache, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, cache.New(rdb), nil
}

func runCacheStats(ctx context.Context, complete bool) error {
	rdb, c, err := connectCache(ctx)
	if err != nil {
		return err
	}
	defer rdb.Close()

	report, err := c.Statistics(ctx)
	if err != nil {
		return fmt.Errorf("failed to get cache statistics: %w", err)
	}

	fmt.Println("📊 Cache Statistics")
	fmt.Println("==================")
	fmt.Printf("🔑 Total keys: %d\n", report.TotalKeys)
	if report.UsedMemory > 0 {
		fmt.Printf("💾 Memory used: %.2f MB\n", float64(report.UsedMemory)/1024/1024)
	}
	fmt.Println()
	for _, ns := range report.Namespaces {
		fmt.Printf("  %-18s %-38s %d\n", ns.Namespace, ns.Pattern, ns.Keys)
	}

	if complete {
		fmt.Println()
		fmt.Println("📈 Hit/miss counters")
		for _, pattern := range []string{"similar_stats:*", "personalized_stats_simple:*"} {
			stats, err := aggregateStats(ctx, rdb, c, pattern)
			if err != nil {
				return fmt.Errorf("failed to aggregate %s: %w", pattern, err)
			}
			fmt.Printf("  %-30s hits=%d misses=%d requests=%d hitRate=%.1f%%\n",
				pattern, stats.Hits, stats.Misses, stats.TotalRequests, stats.HitRate*100)
		}
	}

	return nil
}

// aggregateStats sums the hit/miss hashes matching pattern into one
// fleet-wide counter.
func aggregateStats(ctx context.Context, rdb *redis.Client, c *cache.Cache, pattern string) (core.CacheStats, error) {
	var total core.CacheStats
	var cursor uint64
	for {
		keys, next, err := rdb.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return total, err
		}
		for _, key := range keys {
			stats, err := c.Stats(ctx, key)
			if err != nil {
				return total, err
			}
			total.Hits += stats.Hits
			total.Misses += stats.Misses
			total.TotalRequests += stats.TotalRequests
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if total.TotalRequests > 0 {
		total.HitRate = float64(total.Hits) / float64(total.TotalRequests)
	}
	return total, nil
}

func runCacheClear(ctx context.Context, confirm bool) error {
	if !confirm {
		fmt.Print("⚠️  This will remove all cached data except user:* keys. Continue? [y/N]: ")
		var response string
		fmt.Scanln(&response)
		if response != "y" && response != "Y" && response != "yes" {
			fmt.Println("Cache clear cancelled")
			return nil
		}
	}

	rdb, c, err := connectCache(ctx)
	if err != nil {
		return err
	}
	defer rdb.Close()

	fmt.Println("🗑️  Clearing cache...")
	report, err := c.ClearAllExceptUser(ctx)
	if err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}

	printClearReport(report)
	if path, err := writeClearMetrics("clear", report); err != nil {
		logger.Warn("Failed to write clear metrics file", "error", err)
	} else {
		fmt.Printf("📄 Metrics written to %s\n", path)
	}

	fmt.Println("✅ Cache cleared successfully")
	return nil
}

func runCacheNuclear(ctx context.Context) error {
	fmt.Println("☢️  Nuclear clear deletes EVERY key, including user preferences")
	fmt.Println("   and read history, then recreates the search index.")
	fmt.Printf("Type %s to proceed: ", cache.NuclearConfirmation)
	var response string
	fmt.Scanln(&response)
	if strings.TrimSpace(response) != cache.NuclearConfirmation {
		fmt.Println("Nuclear clear cancelled")
		return nil
	}

	cfg := config.Get()
	rdb, c, err := connectCache(ctx)
	if err != nil {
		return err
	}
	defer rdb.Close()

	gw := index.NewRedisGateway(rdb, cfg.AI.Gemini.EmbeddingDim)

	fmt.Println("💣 Flushing database...")
	report, err := c.NuclearClear(ctx, response, gw)
	if err != nil {
		return fmt.Errorf("nuclear clear failed: %w", err)
	}

	printClearReport(report)
	if path, err := writeClearMetrics("nuclear", report); err != nil {
		logger.Warn("Failed to write clear metrics file", "error", err)
	} else {
		fmt.Printf("📄 Metrics written to %s\n", path)
	}

	fmt.Println("✅ Database flushed and index recreated")
	return nil
}

func printClearReport(report *cache.ClearReport) {
	for _, pr := range report.Patterns {
		if pr.Error != "" {
			fmt.Printf("  ✗ %-38s %s\n", pr.Pattern, pr.Error)
			continue
		}
		fmt.Printf("  ✓ %-38s %d keys in %dms\n", pr.Pattern, pr.KeysCleared, pr.TimeMs)
	}
	fmt.Printf("🔑 Total keys cleared: %d\n", report.TotalKeys)
	if report.BytesFreed > 0 {
		fmt.Printf("💾 Memory freed: %.2f MB\n", float64(report.BytesFreed)/1024/1024)
	}
}

// clearMetrics is the on-disk record of a clear run, kept for
// operational post-mortems.
type clearMetrics struct {
	OperationID string                `json:"operationId"`
	Operation   string                `json:"operation"`
	Timestamp   time.Time             `json:"timestamp"`
	Patterns    []cache.PatternReport `json:"patterns"`
	Performance struct {
		TotalKeys     int64   `json:"totalKeys"`
		BytesFreed    int64   `json:"bytesFreed"`
		ElapsedMs     int64   `json:"elapsedMs"`
		KeysPerSecond float64 `json:"keysPerSecond"`
	} `json:"performance"`
}

func writeClearMetrics(operation string, report *cache.ClearReport) (string, error) {
	m := clearMetrics{
		OperationID: uuid.NewString(),
		Operation:   operation,
		Timestamp:   report.Timestamp,
		Patterns:    report.Patterns,
	}
	m.Performance.TotalKeys = report.TotalKeys
	m.Performance.BytesFreed = report.BytesFreed
	m.Performance.ElapsedMs = report.ElapsedMs
	if report.ElapsedMs > 0 {
		m.Performance.KeysPerSecond = float64(report.TotalKeys) / (float64(report.ElapsedMs) / 1000)
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", err
	}
	path := fmt.Sprintf("cache_clear_metrics_%d.json", time.Now().UnixMilli())
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
