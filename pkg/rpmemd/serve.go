package rpmemd

import (
	"context"
	"io"

	"github.com/openpmem/rpmem/internal/oob"
)

// Serve runs one daemon session to completion over stream, which is
// typically the rpmemd process's own stdin/stdout as handed to it by
// the SSH session that spawned it (§6.3). metrics may be nil.
func Serve(ctx context.Context, stream io.ReadWriteCloser, d *Daemon, metrics *oob.Metrics) error {
	srv := oob.NewServer(stream, d.Handlers(), metrics)
	return srv.Serve(ctx)
}
