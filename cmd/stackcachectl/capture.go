package main

import (
	"context"
	"math/rand/v2"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/grafana/stackcache/pkg/stackcache"
)

type captureParams struct {
	goroutines int
	samples    int
	maxDepth   int
	output     string
}

func addCaptureParams(cmd *kingpin.CmdClause) *captureParams {
	p := new(captureParams)
	cmd.Flag("goroutines", "Number of goroutines running the workload.").Default("4").IntVar(&p.goroutines)
	cmd.Flag("samples", "Number of stack traces captured by each goroutine.").Default("1000").IntVar(&p.samples)
	cmd.Flag("max-depth", "Maximum recursion depth of the workload.").Default("32").IntVar(&p.maxDepth)
	cmd.Flag("output", "Path of the pprof profile.").Short('o').Default("stacks.pb.gz").StringVar(&p.output)
	return p
}

//go:noinline
func recurse(depth int, fn func() error) error {
	if depth == 0 {
		return fn()
	}
	return recurse(depth-1, fn)
}

func capture(ctx context.Context, logger log.Logger, cacheCfg stackcache.Config, p *captureParams) error {
	if p.goroutines < 1 || p.maxDepth < 0 {
		return errors.New("goroutines must be positive and max-depth must not be negative")
	}
	cache, err := stackcache.New(cacheCfg, logger, nil, nil)
	if err != nil {
		return err
	}
	defer cache.Close()

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.goroutines; i++ {
		g.Go(func() error {
			rng := rand.New(rand.NewPCG(uint64(i), 0))
			buf := make([]uint64, 0, stackcache.MaxFramesLimit)
			for n := 0; n < p.samples; n++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				err := recurse(rng.IntN(p.maxDepth+1), func() error {
					buf = stackcache.Capture(0, buf)
					_, err := cache.Intern(buf)
					return err
				})
				if err != nil {
					return errors.Wrap(err, "interning captured stack trace")
				}
			}
			return nil
		})
	}
	if err = g.Wait(); err != nil {
		return err
	}
	st := cache.Statistics()
	level.Info(logger).Log("msg", "captured stack traces", "requested", st.Requested, "cached", st.Cached, "truncated", st.Truncated)
	if err = writeProfile(cache, p.output); err != nil {
		return errors.Wrap(err, "writing profile")
	}
	level.Info(logger).Log("msg", "profile written", "path", p.output)
	return nil
}
