package sdk

import (
	"context"
	"fmt"
	"io"

	"github.com/inferlab/slabrun/internal/backend"
)

// Chunk is one element of a streaming call's output, mapped from a
// backend.StreamChunk to bytes for the caller.
type Chunk struct {
	Bytes   []byte
	IsImage bool
}

// ChunkIterator is a pull-based wrapper over a streaming call's chunk
// channel — the channel-plus-iterator pairing Design Notes prescribes for
// exposing a lazy stream to a caller without a first-class async-stream
// type of its own.
type ChunkIterator struct {
	ch <-chan backend.StreamChunk
}

// Next blocks until the next chunk arrives, returns io.EOF once the
// producer sends Done or closes the channel, and surfaces a producer Error
// chunk as an error. ctx cancellation unblocks an otherwise-idle Next.
func (it *ChunkIterator) Next(ctx context.Context) (Chunk, error) {
	select {
	case <-ctx.Done():
		return Chunk{}, ctx.Err()
	case chunk, ok := <-it.ch:
		if !ok {
			return Chunk{}, io.EOF
		}
		switch chunk.Kind {
		case backend.ChunkToken:
			return Chunk{Bytes: []byte(chunk.Token)}, nil
		case backend.ChunkImage:
			return Chunk{Bytes: chunk.Image, IsImage: true}, nil
		case backend.ChunkDone:
			return Chunk{}, io.EOF
		case backend.ChunkError:
			return Chunk{}, fmt.Errorf("sdk: stream error: %s", chunk.Err)
		default:
			return Chunk{}, fmt.Errorf("sdk: unknown stream chunk kind %d", chunk.Kind)
		}
	}
}

// NextText is Next with the text-oriented-call contract: an Image chunk is
// surfaced as an error instead of being returned as opaque bytes.
func (it *ChunkIterator) NextText(ctx context.Context) ([]byte, error) {
	c, err := it.Next(ctx)
	if err != nil {
		return nil, err
	}
	if c.IsImage {
		return nil, fmt.Errorf("sdk: unexpected image chunk on a text-oriented stream")
	}
	return c.Bytes, nil
}
