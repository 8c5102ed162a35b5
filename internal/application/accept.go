package application

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"
)

// acceptRetryDelay keeps a persistent accept error (EMFILE and friends)
// from spinning the loop.
const acceptRetryDelay = 50 * time.Millisecond

// serveLoop accepts on ln and runs handle for each connection in its own
// goroutine. Accept errors are logged and skipped. It returns once ln is
// closed (cancelling ctx closes it) and every handler has returned.
func serveLoop(ctx context.Context, ln net.Listener, log *slog.Logger, handle func(context.Context, net.Conn)) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			log.Error("Accept failed", "error", err)
			select {
			case <-time.After(acceptRetryDelay):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			handle(ctx, conn)
		}()
	}
}
