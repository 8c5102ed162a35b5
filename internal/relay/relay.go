// Package relay copies bytes between two connections until either direction
// ends, then tears both down.
package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const BufferSize = 8 * 1024

// Stats counts bytes moved in each direction.
type Stats struct {
	AToB int64
	BToA int64
}

type closeWriter interface {
	CloseWrite() error
}

type flusher interface {
	Flush() error
}

// errDone marks a direction that ended on EOF. errgroup keeps the first
// non-nil error, so a clean finish has to be one too or the loser's
// deadline error would win.
var errDone = errors.New("relay: direction finished")

var aLongTimeAgo = time.Unix(1, 0)

// Relay runs a→b and b→a concurrently. As soon as one of them finishes,
// on EOF or on error, the other is interrupted by expiring the read and
// write deadlines of both connections. Once both loops have returned, each
// connection is half-closed and then closed; errors from that are ignored.
// Cancelling ctx interrupts the relay the same way.
//
// The returned error is the one that ended the first direction, nil for a
// clean EOF.
func Relay(ctx context.Context, a, b net.Conn) (Stats, error) {
	var (
		st   Stats
		once sync.Once
		g    errgroup.Group
	)
	interrupt := func() {
		once.Do(func() {
			_ = a.SetDeadline(aLongTimeAgo)
			_ = b.SetDeadline(aLongTimeAgo)
		})
	}
	stop := context.AfterFunc(ctx, interrupt)
	defer stop()

	g.Go(func() error {
		n, err := pipe(b, a)
		st.AToB = n
		interrupt()
		return done(err)
	})
	g.Go(func() error {
		n, err := pipe(a, b)
		st.BToA = n
		interrupt()
		return done(err)
	})

	err := g.Wait()
	// Blocks until an interrupt started by ctx has finished touching the
	// deadlines.
	interrupt()
	shutdown(a)
	shutdown(b)

	switch {
	case errors.Is(err, errDone):
		return st, nil
	case ctx.Err() != nil:
		return st, ctx.Err()
	default:
		return st, err
	}
}

func done(err error) error {
	if err == nil {
		return errDone
	}
	return err
}

// pipe copies src into dst, flushing after every write. io.EOF from src is
// a clean finish and reported as nil.
func pipe(dst, src net.Conn) (int64, error) {
	buf := make([]byte, BufferSize)
	var total int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			total += int64(w)
			if werr != nil {
				return total, werr
			}
			if f, ok := dst.(flusher); ok {
				if err := f.Flush(); err != nil {
					return total, err
				}
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return total, nil
			}
			return total, rerr
		}
	}
}

func shutdown(c net.Conn) {
	if cw, ok := c.(closeWriter); ok {
		_ = cw.CloseWrite()
	}
	_ = c.Close()
}

// IsCancelled reports whether err only says the relay was interrupted,
// either by the other direction finishing or by connection teardown.
func IsCancelled(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, context.Canceled)
}
