package stackcache

import (
	"flag"
	"fmt"
	"math"

	"github.com/hashicorp/go-multierror"
)

const (
	// DefaultPageSize is the size of a page of stack traces. It is large
	// enough to hold hundreds to thousands of records while keeping the
	// incremental growth of the cache small.
	DefaultPageSize = 1 << 20

	// DefaultMaxFrames is the default capacity of a stack trace.
	DefaultMaxFrames = 62

	// MaxFramesLimit is the upper bound for Config.MaxFrames.
	MaxFramesLimit = 1024

	// DefaultShards is the number of independent lookup partitions.
	DefaultShards = 16

	osPageSize = 4096

	maxPageWords = math.MaxUint32
)

type Config struct {
	MaxFrames                  int    `yaml:"max_frames"`
	Shards                     int    `yaml:"shards" category:"advanced"`
	PageSize                   int    `yaml:"page_size" category:"advanced"`
	MaxSizeBytes               int64  `yaml:"max_size_bytes"`
	MetadataSize               int    `yaml:"metadata_size" category:"advanced"`
	CompressionReportingPeriod uint64 `yaml:"compression_reporting_period"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	const prefix = "stack-cache."

	f.IntVar(&cfg.MaxFrames, prefix+"max-frames", DefaultMaxFrames, "Maximum number of frames kept per stack trace. Longer traces are truncated.")
	f.IntVar(&cfg.Shards, prefix+"shards", DefaultShards, "Number of independently locked partitions of the lookup table.")
	f.IntVar(&cfg.PageSize, prefix+"page-size", DefaultPageSize, "Size in bytes of a page of stack traces. Must be a multiple of 4096.")
	f.Int64Var(&cfg.MaxSizeBytes, prefix+"max-size-bytes", 0, "Upper bound of memory used by pages. 0 means unlimited.")
	f.IntVar(&cfg.MetadataSize, prefix+"metadata-size", 0, "Number of zero-initialized bytes reserved after each stack trace.")
	f.Uint64Var(&cfg.CompressionReportingPeriod, prefix+"compression-reporting-period", 0, "Number of allocated stack traces between compression ratio reports. 0 disables reporting.")
}

// DefaultConfig returns the configuration with all flag defaults applied.
func DefaultConfig() Config {
	var cfg Config
	fs := flag.NewFlagSet("", flag.PanicOnError)
	cfg.RegisterFlags(fs)
	return cfg
}

func (cfg *Config) Validate() error {
	var errs error
	if cfg.MaxFrames < 1 || cfg.MaxFrames > MaxFramesLimit {
		errs = multierror.Append(errs, fmt.Errorf("invalid max-frames value %d, must be within [1, %d]", cfg.MaxFrames, MaxFramesLimit))
	}
	if cfg.Shards < 1 {
		errs = multierror.Append(errs, fmt.Errorf("invalid shards value %d, must be positive", cfg.Shards))
	}
	if cfg.PageSize < osPageSize || cfg.PageSize%osPageSize != 0 {
		errs = multierror.Append(errs, fmt.Errorf("invalid page-size value %d, must be a positive multiple of %d", cfg.PageSize, osPageSize))
	} else if uint64(cfg.PageSize/wordSize) > maxPageWords {
		// Free list links address words within a page with 32 bits.
		errs = multierror.Append(errs, fmt.Errorf("invalid page-size value %d, must not exceed %d", cfg.PageSize, uint64(maxPageWords)*wordSize))
	}
	if cfg.MetadataSize < 0 {
		errs = multierror.Append(errs, fmt.Errorf("invalid metadata-size value %d, must not be negative", cfg.MetadataSize))
	}
	if cfg.MaxSizeBytes < 0 {
		errs = multierror.Append(errs, fmt.Errorf("invalid max-size-bytes value %d, must not be negative", cfg.MaxSizeBytes))
	} else if cfg.MaxSizeBytes > 0 && cfg.MaxSizeBytes < int64(cfg.PageSize) {
		errs = multierror.Append(errs, fmt.Errorf("max-size-bytes %d is smaller than a single page (%d)", cfg.MaxSizeBytes, cfg.PageSize))
	}
	if errs == nil {
		// The largest record must fit into a page.
		if w := recordWords(cfg.MaxFrames, metadataWords(cfg.MetadataSize)); w*wordSize > cfg.PageSize {
			errs = multierror.Append(errs, fmt.Errorf("a stack trace of %d frames with %d bytes of metadata does not fit into a page of %d bytes", cfg.MaxFrames, cfg.MetadataSize, cfg.PageSize))
		}
	}
	return errs
}
