package sink

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tilezen/tileharvester/internal/tilemath"
)

// ShardedMBTilesSink maintains one MBTilesSink per zoom level, opened
// lazily on first Put for that zoom. Used when the output path contains a
// {z} placeholder.
type ShardedMBTilesSink struct {
	pathTemplate string
	meta         Metadata
	batchSize    int
	log          zerolog.Logger

	mu     sync.Mutex
	shards map[uint32]*MBTilesSink
}

// NewShardedMBTilesSink builds a sharded sink. pathTemplate must contain a
// literal "{z}" placeholder.
func NewShardedMBTilesSink(pathTemplate string, meta Metadata, batchSize int, log zerolog.Logger) (*ShardedMBTilesSink, error) {
	if !strings.Contains(pathTemplate, "{z}") {
		return nil, fmt.Errorf("sharded mbtiles sink: path template %q has no {z} placeholder", pathTemplate)
	}
	return &ShardedMBTilesSink{
		pathTemplate: pathTemplate,
		meta:         meta,
		batchSize:    batchSize,
		log:          log,
		shards:       make(map[uint32]*MBTilesSink),
	}, nil
}

func (s *ShardedMBTilesSink) shardFor(z uint32) (*MBTilesSink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if shard, ok := s.shards[z]; ok {
		return shard, nil
	}

	dsn := strings.ReplaceAll(s.pathTemplate, "{z}", strconv.FormatUint(uint64(z), 10))
	shard, err := NewMBTilesSink(dsn, s.meta, s.batchSize, s.log.With().Uint32("zoom", z).Logger())
	if err != nil {
		return nil, err
	}

	s.shards[z] = shard
	return shard, nil
}

// Put resolves the shard for t.Z, opening it if necessary, and writes
// through to it.
func (s *ShardedMBTilesSink) Put(ctx context.Context, t tilemath.Tile, data []byte) error {
	shard, err := s.shardFor(t.Z)
	if err != nil {
		return err
	}
	return shard.Put(ctx, t, data)
}

// Finalize commits and closes all open shards, collecting the first error
// encountered but attempting to close every shard regardless.
func (s *ShardedMBTilesSink) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for z, shard := range s.shards {
		if err := shard.Finalize(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("shard z=%d: %w", z, err)
		}
	}
	return firstErr
}

// Cancel finalizes every open shard tolerantly.
func (s *ShardedMBTilesSink) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for z, shard := range s.shards {
		if err := shard.Cancel(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("shard z=%d: %w", z, err)
		}
	}
	return firstErr
}
