// Package rollup implements the periodic sync pass: per period, finalize
// rollup rows over the interval algebra's final range, then prune the
// incoming table. The Engine holds no persistent state; it is a pure
// function of Store contents plus now.
package rollup

import (
	"fmt"
	"log"
	"time"

	"smalltsdb/config"
	"smalltsdb/interval"
	"smalltsdb/lineproto"
	"smalltsdb/selfmetric"
	"smalltsdb/store"
)

// Engine runs sync passes against a Store.
type Engine struct {
	store            *store.Store
	tail             float64
	selfMetricPrefix string // empty disables self-metrics
}

// New builds an Engine. selfMetricPrefix may be empty to disable
// self-metrics entirely.
func New(s *store.Store, tail float64, selfMetricPrefix string) *Engine {
	return &Engine{store: s, tail: tail, selfMetricPrefix: selfMetricPrefix}
}

// stopwatch records elapsed wall-clock time for one timing self-metric.
type stopwatch struct {
	start time.Time
}

func start() stopwatch { return stopwatch{start: time.Now()} }

func (sw stopwatch) elapsed() float64 { return time.Since(sw.start).Seconds() }

// Sync runs one pass of the Rollup Engine at logical time now: finalize
// each period in ladder order, then prune incoming. Idempotent — running
// it twice with the same now and no intervening ingest is a no-op the
// second time.
func (e *Engine) Sync(now float64) error {
	overall := start()
	var selfSamples []lineproto.Sample

	// A failed period pass rolls back inside its own transaction and
	// does not stop the remaining periods from finalizing.
	for _, p := range config.Periods {
		periodTimer := start()
		if err := e.syncPeriod(p, now, &selfSamples); err != nil {
			log.Printf("rollup: sync %s failed, continuing: %v", p.Name, err)
			continue
		}
		e.record(&selfSamples, "sync."+p.Name+".all", now, periodTimer)
	}

	cutoff := now - e.tail - config.MaxPeriodSeconds()
	pruneTimer := start()
	if err := e.store.PruneIncoming(cutoff); err != nil {
		return fmt.Errorf("rollup: prune incoming: %w", err)
	}
	e.record(&selfSamples, "sync.delete_incoming_query", now, pruneTimer)
	e.record(&selfSamples, "sync.all", now, overall)

	if len(selfSamples) > 0 {
		if err := e.store.Insert(selfSamples); err != nil {
			return fmt.Errorf("rollup: insert self metrics: %w", err)
		}
	}
	return nil
}

func (e *Engine) syncPeriod(p config.Period, now float64, selfSamples *[]lineproto.Sample) error {
	finalsTimer := start()
	var syncTimer stopwatch

	err := e.store.SyncPeriodInTx(p.Name, func(ptx *store.PeriodTx) error {
		pairs, err := ptx.PathsLastFinal()
		if err != nil {
			return err
		}
		e.record(selfSamples, "sync."+p.Name+".finals_query", now, finalsTimer)

		syncTimer = start()
		// A late sample can land in a bucket that was already finalized,
		// so every bucket still present in incoming is recomputed up to
		// the final edge, not just from the last written rollup row
		// onward; the (path, timestamp) upsert folds the late rows in.
		// Retention bounds how far back this reaches.
		final, _ := interval.Compute(p.Seconds, e.tail, now, interval.NoLastFinal)
		var rows []store.RollupRow
		for _, pair := range pairs {
			buckets, err := ptx.BucketedValues(pair.Path, p.Seconds, final.End)
			if err != nil {
				return err
			}
			for _, b := range buckets {
				rows = append(rows, store.RowFromValues(pair.Path, b.Start, b.Values))
			}
		}
		return ptx.UpsertRows(rows)
	})
	if err != nil {
		return err
	}
	e.record(selfSamples, "sync."+p.Name+".sync_query", now, syncTimer)
	return nil
}

func (e *Engine) record(selfSamples *[]lineproto.Sample, name string, now float64, sw stopwatch) {
	if e.selfMetricPrefix == "" {
		return
	}
	*selfSamples = append(*selfSamples, selfmetric.Sample(e.selfMetricPrefix, name, now, sw.elapsed()))
}
