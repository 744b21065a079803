// Package chunker splits byte streams into content-defined chunks with
// FastCDC. Identical streams always produce identical boundaries, which is
// what makes deduplication across backups work.
package chunker

import (
	"fmt"
	"io"

	"github.com/jotfs/fastcdc-go"
)

const (
	MinSize = 256 * 1024
	AvgSize = 1024 * 1024
	MaxSize = 4 * 1024 * 1024
)

// Chunk is one plaintext slice of the input stream.
type Chunk struct {
	Offset int64
	Length int
	Data   []byte
}

type Chunker struct {
	cdc *fastcdc.Chunker
}

// New wraps a reader with a FastCDC chunker. The stream is consumed from
// offset zero; a partially read stream cannot be re-entered mid-chunk.
func New(r io.Reader) (*Chunker, error) {
	cdc, err := fastcdc.NewChunker(r, fastcdc.Options{
		MinSize:     MinSize,
		AverageSize: AvgSize,
		MaxSize:     MaxSize,
	})
	if err != nil {
		return nil, fmt.Errorf("create chunker: %w", err)
	}
	return &Chunker{cdc: cdc}, nil
}

// Next returns the next chunk, or io.EOF when the stream is exhausted.
// The returned data is a private copy and stays valid across calls.
func (c *Chunker) Next() (Chunk, error) {
	ch, err := c.cdc.Next()
	if err != nil {
		return Chunk{}, err
	}

	data := make([]byte, ch.Length)
	copy(data, ch.Data)

	return Chunk{
		Offset: int64(ch.Offset),
		Length: ch.Length,
		Data:   data,
	}, nil
}
