package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	docrelay "github.com/DocRelay/docrelay-go"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Plan outstanding batches and enqueue them on the durable queue",
	RunE:  runSubmit,
}

func init() {
	submitCmd.Flags().String("source-prefix", "", "listing prefix at the source store")
	submitCmd.Flags().String("target-prefix", "converted", "key prefix for converted artifacts")
	submitCmd.Flags().Int("batch-size", 10, "documents per batch")
	submitCmd.Flags().Int("max-retry", 2, "retries per task before it is marked failed")
	submitCmd.Flags().StringSlice("to-formats", nil, "export formats (default: json,md)")
	submitCmd.Flags().StringSlice("from-formats", nil, "accepted input formats (default: all)")
	bindFlag("source_prefix", submitCmd.Flags(), "source-prefix")
	bindFlag("target_prefix", submitCmd.Flags(), "target-prefix")
	bindFlag("batch_size", submitCmd.Flags(), "batch-size")
	bindFlag("max_retry", submitCmd.Flags(), "max-retry")
	bindFlag("to_formats", submitCmd.Flags(), "to-formats")
	bindFlag("from_formats", submitCmd.Flags(), "from-formats")
}

func runSubmit(_ *cobra.Command, _ []string) error {
	cfg := Load(viper.GetViper())
	rdb := newRedis(cfg)
	defer func() { _ = rdb.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	opts := convertOptions(cfg)
	plan, err := docrelay.PlanBatches(ctx, docrelay.PlannerConfig{
		Source:       docrelay.NewRedisStore(rdb, cfg.SourceStore),
		SourcePrefix: cfg.SourcePrefix,
		Target:       docrelay.NewRedisStore(rdb, cfg.TargetStore),
		TargetPrefix: cfg.TargetPrefix,
		Options:      opts,
		BatchSize:    cfg.BatchSize,
	})
	if err != nil {
		return err
	}
	if plan.Outstanding() == 0 {
		fmt.Printf("nothing to do: total=%d skipped=%d\n", plan.Total, plan.Skipped)
		return nil
	}

	// Submit-only client; serve processes run the workers.
	engine, err := docrelay.NewQueueEngine(docrelay.QueueConfig{
		Redis: rdb,
		Queue: cfg.Queue,
	})
	if err != nil {
		return err
	}
	defer engine.Stop()

	ids, err := docrelay.SubmitPlan(ctx, engine, plan, opts,
		docrelay.Prefixes(cfg.SourcePrefix, cfg.TargetPrefix),
		docrelay.MaxRetry(cfg.MaxRetry),
	)
	for _, id := range ids {
		fmt.Println(id)
	}
	if err != nil {
		return err
	}
	fmt.Printf("submitted %d batches (total=%d skipped=%d)\n", len(ids), plan.Total, plan.Skipped)
	return nil
}
