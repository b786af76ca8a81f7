package transport

import (
	"context"
	"io"
)

// PipeDialer is a Dialer that hands back a pre-built stream instead of
// spawning a subprocess, used by OOB and data-plane tests to exercise
// the bootstrap protocol without ssh(1) or a real daemon.
type PipeDialer struct {
	Stream io.ReadWriteCloser
	Err    error
}

func (d *PipeDialer) Dial(ctx context.Context, target *Target) (io.ReadWriteCloser, func() error, error) {
	if d.Err != nil {
		return nil, nil, d.Err
	}
	return d.Stream, func() error { return nil }, nil
}
