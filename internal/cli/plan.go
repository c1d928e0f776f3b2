package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	docrelay "github.com/DocRelay/docrelay-go"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "List outstanding batches without submitting them",
	RunE:  runPlan,
}

func init() {
	planCmd.Flags().String("source-prefix", "", "listing prefix at the source store")
	planCmd.Flags().String("target-prefix", "converted", "key prefix for converted artifacts")
	planCmd.Flags().Int("batch-size", 10, "documents per batch")
	planCmd.Flags().StringSlice("to-formats", nil, "export formats (default: json,md)")
	planCmd.Flags().StringSlice("from-formats", nil, "accepted input formats (default: all)")
	bindFlag("source_prefix", planCmd.Flags(), "source-prefix")
	bindFlag("target_prefix", planCmd.Flags(), "target-prefix")
	bindFlag("batch_size", planCmd.Flags(), "batch-size")
	bindFlag("to_formats", planCmd.Flags(), "to-formats")
	bindFlag("from_formats", planCmd.Flags(), "from-formats")
}

func runPlan(_ *cobra.Command, _ []string) error {
	cfg := Load(viper.GetViper())
	rdb := newRedis(cfg)
	defer func() { _ = rdb.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	plan, err := docrelay.PlanBatches(ctx, docrelay.PlannerConfig{
		Source:       docrelay.NewRedisStore(rdb, cfg.SourceStore),
		SourcePrefix: cfg.SourcePrefix,
		Target:       docrelay.NewRedisStore(rdb, cfg.TargetStore),
		TargetPrefix: cfg.TargetPrefix,
		Options:      convertOptions(cfg),
		BatchSize:    cfg.BatchSize,
	})
	if err != nil {
		return err
	}

	fmt.Printf("total=%d skipped=%d outstanding=%d batches=%d\n",
		plan.Total, plan.Skipped, plan.Outstanding(), len(plan.Batches))
	for i, batch := range plan.Batches {
		fmt.Printf("batch %d:\n", i)
		for _, key := range batch {
			fmt.Printf("  %s\n", key)
		}
	}
	return nil
}

func newRedis(cfg Config) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
}

// convertOptions starts from the service defaults and applies the
// format overrides given on the command line or in the config file.
func convertOptions(cfg Config) docrelay.ConvertOptions {
	opts := docrelay.DefaultConvertOptions()
	if len(cfg.ToFormats) > 0 {
		opts.ToFormats = cfg.ToFormats
	}
	if len(cfg.FromFormats) > 0 {
		opts.FromFormats = cfg.FromFormats
	}
	return opts
}
