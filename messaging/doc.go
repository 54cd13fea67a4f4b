// Package messaging implements request/reply on top of a producer and a
// consumer connection.
//
// An RPCHandler serves requests from a named queue and makes calls through
// an exclusive reply queue named "RPC-REPLY-" plus a generated id. Every
// call carries a fresh correlation id; the reply with that id completes the
// call. Calls that see no reply within the call timeout (two seconds by
// default) fail with ErrRPCTimeout, and RPCCall turns that into DefaultReply.
//
// Example usage:
//
//	rpc := messaging.NewRPCHandler(consumer, producer, messaging.WithRPCLogger(logger))
//	if err := rpc.EnableRPCServer("echo", func(b []byte) []byte { return b }); err != nil {
//		return err
//	}
//	if err := rpc.EnableRPCClient(); err != nil {
//		return err
//	}
//	reply, err := rpc.Call(ctx, "echo", []byte("ping"))
package messaging
