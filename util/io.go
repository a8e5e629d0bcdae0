package util

import (
	"bytes"
	"fmt"
)

const (
	// The maximum number of bytes collected from an external collaborator.
	maxReadSize = 100 * 1024 * 1024
)

// LimitedBuffer collects at most a fixed number of bytes. Once a write would
// exceed the limit it fails, and so do all writes after it, which makes an
// io.Copy feeding it stop early.
// It is meant to be used as the Stdout of an exec.Cmd.
type LimitedBuffer struct {
	buf      bytes.Buffer
	maxSize  int64
	overflow bool
}

// NewLimitedBuffer returns a buffer holding up to maxSize bytes.
// If maxSize is 0 or greater than maxReadSize, maxReadSize is used instead.
func NewLimitedBuffer(maxSize int64) *LimitedBuffer {
	if maxSize <= 0 || maxSize > maxReadSize {
		maxSize = maxReadSize
	}
	return &LimitedBuffer{maxSize: maxSize}
}

func (b *LimitedBuffer) Write(p []byte) (int, error) {
	if b.overflow || int64(b.buf.Len())+int64(len(p)) > b.maxSize {
		b.overflow = true
		return 0, b.Err()
	}
	return b.buf.Write(p)
}

// Bytes returns what was collected before any overflow.
func (b *LimitedBuffer) Bytes() []byte {
	return b.buf.Bytes()
}

// Err reports whether the limit was exceeded.
func (b *LimitedBuffer) Err() error {
	if !b.overflow {
		return nil
	}
	return fmt.Errorf("output exceeded maximum size of %d bytes", b.maxSize)
}
