package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/common/version"
	"gopkg.in/alecthomas/kingpin.v2"
	"gopkg.in/yaml.v3"

	"github.com/grafana/stackcache/pkg/stackcache"
	"github.com/grafana/stackcache/pkg/util"
)

var cfg struct {
	logLevel   string
	logFormat  string
	configFile string
}

var consoleOutput = os.Stderr

func main() {
	app := kingpin.New(filepath.Base(os.Args[0]), "Tooling for the deduplicating stack trace cache.").UsageWriter(os.Stdout)
	app.Version(version.Print("stackcachectl"))
	app.HelpFlag.Short('h')
	app.Flag("log.level", "Only log messages with the given severity or above.").Default("info").EnumVar(&cfg.logLevel, "debug", "info", "warn", "error")
	app.Flag("log.format", "Output format of log messages.").Default("logfmt").EnumVar(&cfg.logFormat, "logfmt", "json")
	app.Flag("config.file", "YAML file with the stack cache configuration.").StringVar(&cfg.configFile)

	benchCmd := app.Command("bench", "Run a synthetic intern/release workload and print the cache statistics.")
	benchParams := addBenchParams(benchCmd)

	captureCmd := app.Command("capture", "Intern goroutine stack traces of a recursive workload and write them as a pprof profile.")
	captureParams := addCaptureParams(captureCmd)

	parsedCmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	w := util.NewAsyncWriter(consoleOutput, 256<<10, 8, 100*time.Millisecond)
	logger, err := util.NewLogger(w, cfg.logFormat, cfg.logLevel)
	if err != nil {
		os.Exit(checkError(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	code := 0
	switch parsedCmd {
	case benchCmd.FullCommand():
		code = checkError(withConfig(logger, func(c stackcache.Config) error {
			return bench(ctx, logger, os.Stdout, c, benchParams)
		}))
	case captureCmd.FullCommand():
		code = checkError(withConfig(logger, func(c stackcache.Config) error {
			return capture(ctx, logger, c, captureParams)
		}))
	default:
		level.Error(logger).Log("msg", "unknown command", "cmd", parsedCmd)
		code = 1
	}
	cancel()
	_ = w.Close()
	os.Exit(code)
}

func withConfig(logger log.Logger, fn func(stackcache.Config) error) error {
	c, err := loadConfig(cfg.configFile)
	if err != nil {
		return err
	}
	level.Debug(logger).Log("msg", "loaded configuration", "file", cfg.configFile, "max_frames", c.MaxFrames, "shards", c.Shards, "page_size", c.PageSize)
	return fn(c)
}

// loadConfig reads the cache configuration from a YAML file on top of the
// defaults. An empty path yields the defaults.
func loadConfig(path string) (stackcache.Config, error) {
	c := stackcache.DefaultConfig()
	if path == "" {
		return c, nil
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return c, errors.Wrap(err, "reading configuration file")
	}
	dec := yaml.NewDecoder(bytes.NewReader(buf))
	dec.KnownFields(true)
	if err = dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return c, errors.Wrapf(err, "parsing configuration file %s", path)
	}
	if err = c.Validate(); err != nil {
		return c, errors.Wrapf(err, "invalid configuration file %s", path)
	}
	return c, nil
}

func checkError(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(os.Stderr, "interrupted")
	default:
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	return 1
}
