package snapshot

import (
	"os"
	"strconv"

	"github.com/datatrails/go-datatrails-common/logger"

	"govetachun/go-snapshot-store/internal/alloc"
	"govetachun/go-snapshot-store/internal/storage"
)

type config struct {
	blockSize      int
	growBlocks     int
	pageSize       int
	handlePoolSize int
	log            logger.Logger
	registry       *storage.Registry
	flusher        Flusher
	allocOpts      []alloc.Option
}

func resolveConfig(opts ...func(*config)) *config {
	cfg := &config{}
	if env := os.Getenv("SNAPSTORE_BLOCKSIZE"); env != "" {
		if val, err := strconv.Atoi(env); err == nil {
			cfg.blockSize = val
		}
	}
	if cfg.blockSize <= 0 {
		cfg.blockSize = alloc.AllocationSize
	}
	if env := os.Getenv("SNAPSTORE_GROWBLOCKS"); env != "" {
		if val, err := strconv.Atoi(env); err == nil {
			cfg.growBlocks = val
		}
	}
	if cfg.growBlocks <= 0 {
		cfg.growBlocks = 4096
	}
	if env := os.Getenv("SNAPSTORE_PAGESIZE"); env != "" {
		if val, err := strconv.Atoi(env); err == nil {
			cfg.pageSize = val
		}
	}
	if cfg.pageSize <= 0 {
		cfg.pageSize = 8192
	}
	if env := os.Getenv("SNAPSTORE_HANDLEPOOL"); env != "" {
		if val, err := strconv.Atoi(env); err == nil {
			cfg.handlePoolSize = val
		}
	}
	if cfg.handlePoolSize <= 0 {
		cfg.handlePoolSize = 256
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.blockSize < 1 {
		cfg.blockSize = 1
	}
	if cfg.growBlocks < 1 {
		cfg.growBlocks = 1
	}
	if cfg.pageSize < 1 {
		cfg.pageSize = 1
	}
	if cfg.handlePoolSize < 0 {
		cfg.handlePoolSize = 0
	}
	if cfg.log == nil {
		if logger.Sugar == nil {
			logger.New("NOOP")
		}
		cfg.log = logger.Sugar.WithServiceName("snapstore")
	}
	if cfg.registry == nil {
		cfg.registry = storage.NewRegistry()
	}
	return cfg
}

// OptList returns a slice with the opts given; useful if you want to possibly
// append more options to the list before using it with NewStore(list...).
func OptList(opts ...func(*config)) []func(*config) {
	return opts
}

// OptBlockSize sets the bytes per level-0 block.
// Defaults to env SNAPSTORE_BLOCKSIZE or 512.
func OptBlockSize(bytes int) func(*config) {
	return func(cfg *config) {
		cfg.blockSize = bytes
	}
}

// OptGrowBlocks sets how many blocks the allocation map gains each time it
// runs out. Defaults to env SNAPSTORE_GROWBLOCKS or 4096.
func OptGrowBlocks(blocks int) func(*config) {
	return func(cfg *config) {
		cfg.growBlocks = blocks
	}
}

// OptPageSize sets the size CreatePage uses when given 0.
// Defaults to env SNAPSTORE_PAGESIZE or 8192.
func OptPageSize(bytes int) func(*config) {
	return func(cfg *config) {
		cfg.pageSize = bytes
	}
}

// OptHandlePoolSize caps how many released page handles a snapshot keeps
// for reuse. Defaults to env SNAPSTORE_HANDLEPOOL or 256.
func OptHandlePoolSize(handles int) func(*config) {
	return func(cfg *config) {
		cfg.handlePoolSize = handles
	}
}

// OptLogger sets the logger. Defaults to the process logger with the
// service name "snapstore".
func OptLogger(log logger.Logger) func(*config) {
	return func(cfg *config) {
		cfg.log = log
	}
}

// OptRegistry sets the container registry used by Check, WalkContainers
// and ResizePage. Defaults to an empty registry.
func OptRegistry(registry *storage.Registry) func(*config) {
	return func(cfg *config) {
		cfg.registry = registry
	}
}

// OptFlusher sets the collaborator that receives Flush records. Without one
// Flush only validates and encodes the record.
func OptFlusher(flusher Flusher) func(*config) {
	return func(cfg *config) {
		cfg.flusher = flusher
	}
}

// OptAllocOpts passes options to the allocation map and pool.
func OptAllocOpts(opts ...alloc.Option) func(*config) {
	return func(cfg *config) {
		cfg.allocOpts = append(cfg.allocOpts, opts...)
	}
}
