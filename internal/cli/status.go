package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	docrelay "github.com/DocRelay/docrelay-go"
)

var statusCmd = &cobra.Command{
	Use:   "status <task-id>...",
	Short: "Print the current record of one or more tasks",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runStatus,
}

func runStatus(_ *cobra.Command, args []string) error {
	cfg := Load(viper.GetViper())
	rdb := newRedis(cfg)
	defer func() { _ = rdb.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	store := docrelay.NewRedisTaskStore(rdb, 0)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	for _, id := range args {
		t, err := store.Get(ctx, id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", id, err)
			continue
		}
		if err := enc.Encode(t); err != nil {
			return err
		}
	}
	return nil
}
