// © 2025 Platform Engineering Labs Inc.
//
// SPDX-License-Identifier: FSL-1.1-ALv2

// Package stream provides the producer side of an interactive job's stdin.
package stream

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ErrClosed is returned by Send once the producer is closed.
var ErrClosed = errors.New("producer closed")

// DefaultCapacity is the number of chunks buffered by NewProducer(0).
const DefaultCapacity = 16

// Producer is a bounded queue of byte chunks. The caller pushes chunks with
// Send and signals end of input with Close; the engine drains Chunks on its
// own goroutine. Send blocks while the queue is full.
type Producer struct {
	ch   chan []byte
	done chan struct{}
	once sync.Once

	mu     sync.RWMutex
	closed bool
}

// NewProducer returns a producer buffering up to capacity chunks.
func NewProducer(capacity int) *Producer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Producer{
		ch:   make(chan []byte, capacity),
		done: make(chan struct{}),
	}
}

// Send queues a copy of b. Empty chunks are dropped.
func (p *Producer) Send(ctx context.Context, b []byte) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	if len(b) == 0 {
		return nil
	}
	buf := append([]byte(nil), b...)
	select {
	case p.ch <- buf:
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendString is Send for text.
func (p *Producer) SendString(ctx context.Context, s string) error {
	return p.Send(ctx, []byte(s))
}

// SendFrom copies r into the producer in chunks of up to 32 KiB and closes
// the producer when r is exhausted.
func (p *Producer) SendFrom(ctx context.Context, r io.Reader) error {
	defer p.Close()
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if sendErr := p.Send(ctx, buf[:n]); sendErr != nil {
				return sendErr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Close ends the input. Chunks already queued are still delivered. Closing
// twice is a no-op.
func (p *Producer) Close() {
	p.once.Do(func() {
		close(p.done)
		p.mu.Lock()
		p.closed = true
		close(p.ch)
		p.mu.Unlock()
	})
}

// Chunks yields queued chunks in order and is closed after Close once the
// queue is drained.
func (p *Producer) Chunks() <-chan []byte {
	return p.ch
}

// Closed reports whether Close was called.
func (p *Producer) Closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}
