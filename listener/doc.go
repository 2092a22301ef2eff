// Package listener consumes registry change notifications and dispatches
// them to handlers by event type.
//
// A Listener holds a single subscription on the registry channel and
// processes messages serially on one goroutine. Handlers for the same
// event type run in registration order. A handler error or panic is logged
// and never stops the loop.
//
//	l := listener.New(st, registry.DefaultChannel, logger)
//	l.Handle(registry.EventRegistered, func(ctx context.Context, id string) error {
//	    _, err := ldr.Load(ctx, id)
//	    return err
//	})
//	if err := l.Start(ctx); err != nil {
//	    return err
//	}
//	defer l.Stop()
package listener
