package main

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"golang.org/x/sync/errgroup"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/grafana/stackcache/pkg/memnotify"
	"github.com/grafana/stackcache/pkg/stackcache"
)

type benchParams struct {
	workers       int
	iterations    int
	stacks        int
	maxDepth      int
	releaseRatio  float64
	seed          uint64
	keep          bool
	profileOutput string
	metricsOutput string
}

func addBenchParams(cmd *kingpin.CmdClause) *benchParams {
	p := new(benchParams)
	cmd.Flag("workers", "Number of concurrent workers.").Default("8").IntVar(&p.workers)
	cmd.Flag("iterations", "Number of stack traces interned by each worker.").Default("100000").IntVar(&p.iterations)
	cmd.Flag("stacks", "Number of distinct stack traces in the workload.").Default("4096").IntVar(&p.stacks)
	cmd.Flag("max-depth", "Maximum number of frames of a generated stack trace.").Default("64").IntVar(&p.maxDepth)
	cmd.Flag("release-ratio", "Probability of releasing a held stack trace after each intern.").Default("0.9").Float64Var(&p.releaseRatio)
	cmd.Flag("seed", "Seed of the workload generator.").Default("1").Uint64Var(&p.seed)
	cmd.Flag("keep", "Do not release the stack traces still held when the workload ends.").BoolVar(&p.keep)
	cmd.Flag("profile-output", "Write the cached stack traces as a pprof profile to the given file.").StringVar(&p.profileOutput)
	cmd.Flag("metrics-output", "Write the cache metrics in the Prometheus text format to the given file.").StringVar(&p.metricsOutput)
	return p
}

// syntheticStack returns the frames of the k-th stack trace of the
// workload. Stacks share their outer frames and differ in the leaf.
func syntheticStack(k, maxDepth int) []uint64 {
	depth := 1 + k%maxDepth
	frames := make([]uint64, depth)
	frames[0] = 0x10000 + uint64(k)*0x10
	for i := 1; i < depth; i++ {
		frames[i] = 0x400000 + uint64(i)*0x40
	}
	return frames
}

func bench(ctx context.Context, logger log.Logger, out io.Writer, cacheCfg stackcache.Config, p *benchParams) error {
	if p.workers < 1 || p.stacks < 1 || p.maxDepth < 1 {
		return fmt.Errorf("workers, stacks and max-depth must be positive")
	}
	reg := prometheus.NewRegistry()
	tracker := memnotify.NewTracker(reg)
	cache, err := stackcache.New(cacheCfg, logger, tracker, reg)
	if err != nil {
		return err
	}
	defer cache.Close()

	stacks := make([][]uint64, p.stacks)
	for k := range stacks {
		stacks[k] = syntheticStack(k, p.maxDepth)
	}

	level.Info(logger).Log("msg", "starting workload", "workers", p.workers, "iterations", p.iterations, "stacks", p.stacks)
	held := make([][]*stackcache.StackTrace, p.workers)
	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for w := 0; w < p.workers; w++ {
		g.Go(func() error {
			rng := rand.New(rand.NewPCG(p.seed, uint64(w)))
			var h []*stackcache.StackTrace
			defer func() { held[w] = h }()
			for i := 0; i < p.iterations; i++ {
				if i%1024 == 0 && ctx.Err() != nil {
					return ctx.Err()
				}
				s, err := cache.Intern(stacks[rng.IntN(len(stacks))])
				if err != nil {
					return err
				}
				h = append(h, s)
				if rng.Float64() < p.releaseRatio {
					j := rng.IntN(len(h))
					if err = cache.Release(h[j]); err != nil {
						return err
					}
					h[j] = h[len(h)-1]
					h = h[:len(h)-1]
				}
			}
			return nil
		})
	}
	err = g.Wait()
	elapsed := time.Since(start)
	if err != nil {
		return err
	}

	printStatistics(out, cache.Statistics(), tracker, elapsed, p.workers*p.iterations)

	if p.profileOutput != "" {
		if err = writeProfile(cache, p.profileOutput); err != nil {
			return err
		}
		level.Info(logger).Log("msg", "profile written", "path", p.profileOutput)
	}
	if p.metricsOutput != "" {
		if err = writeMetrics(reg, p.metricsOutput); err != nil {
			return err
		}
		level.Info(logger).Log("msg", "metrics written", "path", p.metricsOutput)
	}

	if !p.keep {
		for _, h := range held {
			for _, s := range h {
				if err = cache.Release(s); err != nil {
					return err
				}
			}
		}
		cache.LogStatistics()
	}
	return nil
}

func printStatistics(out io.Writer, st stackcache.Statistics, tracker *memnotify.Tracker, elapsed time.Duration, ops int) {
	_, _ = color.New(color.FgGreen, color.Bold).Fprintf(out, "Stack trace cache after %d interns in %s (%s/s)\n",
		ops, elapsed.Round(time.Millisecond), humanize.Comma(int64(float64(ops)/elapsed.Seconds())))

	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Statistic", "Value"})
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	count := func(v uint64) string { return humanize.Comma(int64(v)) }
	table.AppendBulk([][]string{
		{"Cached", count(st.Cached)},
		{"Unreferenced", count(st.Unreferenced)},
		{"Saturated", count(st.Saturated)},
		{"References", count(st.References)},
		{"Requested", count(st.Requested)},
		{"Allocated", count(st.Allocated)},
		{"Truncated", count(st.Truncated)},
		{"Frames stored", count(st.FramesStored)},
		{"Frames alive", count(st.FramesAlive)},
		{"Frames dead", count(st.FramesDead)},
		{"Compression ratio", strconv.FormatFloat(st.CompressionRatio(), 'f', 2, 64)},
		{"Pages", count(st.Pages)},
		{"Size", humanize.IBytes(st.Size)},
		{"Peak internal memory", humanize.IBytes(uint64(tracker.Peak()))},
	})
	table.Render()
}

func writeProfile(cache *stackcache.Cache, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err = cache.WriteProfile(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func writeMetrics(g prometheus.Gatherer, path string) error {
	mfs, err := g.Gather()
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(f, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range mfs {
		if err = enc.Encode(mf); err != nil {
			_ = f.Close()
			return err
		}
	}
	return f.Close()
}
