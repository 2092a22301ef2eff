// Package transport carries JSON-RPC 2.0 messages between agent-studio and
// its executable units or remote peers.
//
// # Overview
//
// A Framer moves whole messages over an underlying stream:
//
//   - NewLineFramer: one JSON document per line (subprocess stdio)
//   - NewWebSocketFramer: one JSON document per text frame
//
// A Conn sits on top of a Framer and provides both directions of the
// protocol at once: outgoing calls matched to responses by id, outgoing
// notifications, and dispatch of incoming requests and notifications.
//
// # Usage
//
//	conn := transport.NewConn(transport.NewLineFramer(stdout, stdin),
//	    transport.WithNotificationHandler(func(msg *transport.Message) {
//	        // run/event ...
//	    }))
//	defer conn.Close()
//
//	var info InitializeResult
//	if err := conn.Call(ctx, "initialize", nil, &info); err != nil {
//	    return err
//	}
//
// # Errors
//
// A handler error that is an *errors.Error travels in the response's data
// field and is rebuilt on the calling side, so error codes survive the
// process boundary.
package transport
