package docrelay

import (
	"context"
	"path"
	"strings"
	"time"
)

// ExecConfig wires the resources a worker needs to execute batches. Every
// engine's workers run batches through the same code path so the per-item
// error semantics cannot drift between backends.
type ExecConfig struct {
	// Cache shares converter instances across concurrent task executions
	// within this process.
	Cache *ConverterCache
	// Build constructs a converter for a configuration; invoked through Cache.
	Build Builder
	// Source is where input objects are read from.
	Source ObjectStore
	// Target is where converted artifacts are written.
	Target ObjectStore
	// Logger defaults to no logging.
	Logger Logger
}

func (c ExecConfig) logger() Logger {
	if c.Logger == nil {
		return noopLogger{}
	}
	return c.Logger
}

// runBatch converts every item of the task and returns the aggregated result.
// Item-level conversion failures are captured as data and never abort the
// siblings (unless the configuration asks for AbortOnError). A non-nil error
// means the batch could not run at all: converter construction failed or the
// context was cancelled at an item boundary. On cancellation the partial
// result so far is returned alongside ctx.Err().
func runBatch(ctx context.Context, t *Task, cfg ExecConfig, onProgress func(done int)) (*TaskResult, error) {
	start := time.Now()
	log := cfg.logger()

	handle, err := cfg.Cache.Acquire(ctx, t.Options, cfg.Build)
	if err != nil {
		return nil, err
	}
	defer handle.Release()

	res := &TaskResult{Items: make([]ItemResult, 0, len(t.Items))}
	aborted := false
	for i, key := range t.Items {
		if err := ctx.Err(); err != nil {
			res.Tally()
			res.ProcessingMs = time.Since(start).Milliseconds()
			return res, err
		}
		if aborted {
			res.Items = append(res.Items, ItemResult{ItemID: key, Error: "aborted: earlier item failed"})
			continue
		}
		if !formatAllowed(t.Options.FromFormats, key) {
			res.Items = append(res.Items, ItemResult{ItemID: key, Error: "unsupported input format"})
			itemsConverted.WithLabelValues("skipped").Inc()
			continue
		}

		in := Input{Key: key, SourcePrefix: t.SourcePrefix, SourceStore: cfg.Source}
		out, convErr := handle.Convert(ctx, in, cfg.Target, t.TargetPrefix)
		if convErr != nil {
			cerr := &ConversionError{Item: key, Err: convErr}
			res.Items = append(res.Items, ItemResult{ItemID: key, Error: cerr.Error()})
			itemsConverted.WithLabelValues("failure").Inc()
			log.Warnf("item failed: task=%s item=%s err=%v", t.ID, key, convErr)
			if t.Options.AbortOnError {
				aborted = true
			}
		} else {
			res.Items = append(res.Items, ItemResult{ItemID: key, Outputs: out.Keys})
			itemsConverted.WithLabelValues("success").Inc()
		}
		if onProgress != nil {
			onProgress(i + 1)
		}
	}

	res.Tally()
	res.ProcessingMs = time.Since(start).Milliseconds()
	return res, nil
}

// formatAllowed checks an item's extension against the input allow-list,
// ignoring case on both sides. An empty list allows everything.
func formatAllowed(formats []string, key string) bool {
	if len(formats) == 0 {
		return true
	}
	ext := strings.TrimPrefix(path.Ext(key), ".")
	for _, f := range formats {
		if strings.EqualFold(f, ext) {
			return true
		}
	}
	return false
}
