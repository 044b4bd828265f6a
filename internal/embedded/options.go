package embedded

import (
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

// Options configure the badger database.
type Options struct {
	// Dir holds the database files. Ignored when Ephemeral is set.
	Dir string
	// Ephemeral keeps everything in memory.
	Ephemeral bool
	// PageSize is the SSTable block size in bytes.
	PageSize int
	// CompressionLevel is the ZSTD level; 0 disables compression.
	CompressionLevel int
	CacheSizeMB      int
	// CacheConcurrency bounds badger's background goroutines.
	CacheConcurrency int
	// AutoCommitBufferKB is the memtable size.
	AutoCommitBufferKB int
	// AutoCommitDelay is how often writes are synced to disk when SyncWrites
	// is off. Zero leaves syncing to badger.
	AutoCommitDelay time.Duration
	SyncWrites      bool
}

func (o Options) badgerOptions() badger.Options {
	var opts badger.Options
	if o.Ephemeral {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(o.Dir)
	}
	opts = opts.WithSyncWrites(o.SyncWrites)
	if o.PageSize > 0 {
		opts = opts.WithBlockSize(o.PageSize)
	}
	if o.CompressionLevel > 0 {
		opts = opts.WithCompression(options.ZSTD).WithZSTDCompressionLevel(o.CompressionLevel)
	} else {
		opts = opts.WithCompression(options.None)
	}
	if o.CacheSizeMB > 0 {
		opts = opts.WithBlockCacheSize(int64(o.CacheSizeMB) << 20)
	}
	if o.CacheConcurrency > 0 {
		opts = opts.WithNumGoroutines(o.CacheConcurrency)
	}
	if o.AutoCommitBufferKB > 0 {
		opts = opts.WithMemTableSize(int64(o.AutoCommitBufferKB) << 10)
	}
	return opts
}

func (o Options) syncInterval() time.Duration {
	if o.Ephemeral || o.SyncWrites {
		return 0
	}
	return o.AutoCommitDelay
}
