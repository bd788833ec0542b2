package main

import (
	"bytes"
	"io"

	chunker "github.com/ipfs/boxo/chunker"
)

// eachChunk splits data into size byte pieces and hands them to fn with
// their offset. last is set for the final piece. Empty data calls fn never.
func eachChunk(data []byte, size int, fn func(off int, p []byte, last bool) error) error {
	if size <= 0 {
		size = len(data)
	}
	if len(data) == 0 {
		return nil
	}
	sp := chunker.NewSizeSplitter(bytes.NewReader(data), int64(size))

	off := 0
	next, err := sp.NextBytes()
	for err == nil {
		cur := next
		next, err = sp.NextBytes()
		last := err == io.EOF
		if err != nil && !last {
			return err
		}
		if ferr := fn(off, cur, last); ferr != nil {
			return ferr
		}
		off += len(cur)
	}
	if err == io.EOF {
		return nil
	}
	return err
}
