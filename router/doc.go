// Package router picks the agent that should handle a request and runs it.
//
// Routing is a pure function of the request text and the registered
// records (see Matcher). Dispatch wraps it with the callback chains,
// loads the chosen agent on demand and streams its events back:
//
//	r := router.New(reg, ld,
//	    router.WithCallbacks(chains),
//	    router.WithRemote(remotes),
//	)
//	events, err := r.Dispatch(ctx, agent.Invocation{SessionID: "s1", Content: "solve 2x=4"})
//
// When no local agent matches and a Remote is configured, the request is
// delegated to the first connected remote agent whose skills match.
package router
