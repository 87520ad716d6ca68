package main

import (
	"context"
	"errors"
)

type drainer interface {
	OnShutdown(func())
	Shutdown(ctx context.Context) error
	Close() error
}

type terminator interface {
	Shutdown()
}

// shutdown closes the proxy listener, terminates every backend without
// waiting for in-flight relays, then lets plain requests drain until ctx
// ends. after runs last, in order.
func shutdown(ctx context.Context, proxy drainer, backends terminator, after ...func() error) error {
	terminated := make(chan struct{})
	proxy.OnShutdown(func() {
		defer close(terminated)
		backends.Shutdown()
	})

	var errs []error
	if err := proxy.Shutdown(ctx); err != nil {
		errs = append(errs, proxy.Close())
	}
	<-terminated

	for _, f := range after {
		errs = append(errs, f())
	}

	return errors.Join(errs...)
}
