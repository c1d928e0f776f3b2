package docrelay

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrBadBatchSize is returned when planning with a batch size below one.
var ErrBadBatchSize = errors.New("docrelay: batch size must be at least 1")

// ErrSameLocation is returned when source and target resolve to the same
// store and prefix.
var ErrSameLocation = errors.New("docrelay: source and target are the same location")

// OutputKey derives the target key written for one source key and export
// format. The rule is deterministic: the source prefix and extension are
// stripped from the key, and the result is placed under
// "<targetPrefix>/<format>/<stem>.<format>".
func OutputKey(targetPrefix, sourcePrefix, format, sourceKey string) string {
	stem := strings.TrimPrefix(sourceKey, sourcePrefix)
	stem = strings.TrimPrefix(stem, "/")
	if ext := path.Ext(stem); ext != "" {
		stem = strings.TrimSuffix(stem, ext)
	}
	prefix := strings.TrimSuffix(targetPrefix, "/")
	if prefix == "" {
		return format + "/" + stem + "." + format
	}
	return prefix + "/" + format + "/" + stem + "." + format
}

// PlannerConfig describes one source → target conversion pass.
type PlannerConfig struct {
	Source       ObjectStore
	SourcePrefix string
	Target       ObjectStore
	TargetPrefix string
	// Options supplies the export formats; the first format's output is the
	// one probed for idempotent skipping.
	Options ConvertOptions
	// BatchSize bounds each batch; the last batch may be shorter.
	BatchSize int
	// Logger is used for planning progress. Defaults to no logging.
	Logger Logger
}

// primaryFormat is the export format whose presence at the target marks a
// source key as already converted.
func (c PlannerConfig) primaryFormat() string {
	if len(c.Options.ToFormats) > 0 {
		return c.Options.ToFormats[0]
	}
	return "json"
}

// Plan is the outcome of one planning pass: the outstanding source keys
// partitioned into submission batches.
type Plan struct {
	// Batches holds the outstanding keys in source enumeration order,
	// partitioned into groups of at most the configured batch size.
	Batches [][]string
	// Total is the number of source keys enumerated.
	Total int
	// Skipped is the number of keys excluded because their primary output
	// already exists at the target.
	Skipped int
}

// Outstanding returns the number of keys the plan would submit.
func (p *Plan) Outstanding() int {
	n := 0
	for _, b := range p.Batches {
		n += len(b)
	}
	return n
}

// PlanBatches computes the idempotent set of outstanding work for a source →
// target pass. Keys whose derived target key already exists are skipped, so
// re-running the planner against a partially populated target yields only the
// remaining work. An existence-check error other than not-found aborts
// planning; it must not be read as "missing".
func PlanBatches(ctx context.Context, cfg PlannerConfig) (*Plan, error) {
	if cfg.BatchSize < 1 {
		return nil, ErrBadBatchSize
	}
	if cfg.Source == cfg.Target && cfg.SourcePrefix == cfg.TargetPrefix {
		return nil, ErrSameLocation
	}
	log := cfg.Logger
	if log == nil {
		log = noopLogger{}
	}

	keys, err := cfg.Source.List(ctx, cfg.SourcePrefix)
	if err != nil {
		return nil, fmt.Errorf("list source: %w", err)
	}

	format := cfg.primaryFormat()
	plan := &Plan{Total: len(keys)}
	var batch []string
	for _, key := range keys {
		target := OutputKey(cfg.TargetPrefix, cfg.SourcePrefix, format, key)
		ok, err := cfg.Target.Exists(ctx, target)
		if err != nil {
			return nil, fmt.Errorf("check target %s: %w", target, err)
		}
		if ok {
			plan.Skipped++
			continue
		}
		batch = append(batch, key)
		if len(batch) == cfg.BatchSize {
			plan.Batches = append(plan.Batches, batch)
			batch = nil
		}
	}
	if len(batch) > 0 {
		plan.Batches = append(plan.Batches, batch)
	}

	log.Infof("planned: total=%d skipped=%d outstanding=%d batches=%d",
		plan.Total, plan.Skipped, plan.Outstanding(), len(plan.Batches))
	return plan, nil
}
