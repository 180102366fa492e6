// Package proxy provides name-based service resolution and
// timeout-bounded service calls with classified errors.
//
// # Registry and Handles
//
// The [Registry] is a process-wide arena mapping service names to
// invokers. [Registry.Handle] always succeeds, even before the target
// service has been registered — this breaks initialization cycles
// between mutually dependent services. Resolution happens lazily on
// first use:
//
//	handle := registry.Handle("billing")   // never fails
//	...
//	registry.Register("billing", billingSvc) // possibly later
//	...
//	err := caller.Call(ctx, handle, "Charge", req, &resp) // resolves now
//
// [Handle.Resolve] is idempotent and thread-safe: the first successful
// resolution is cached for the handle's lifetime; a failed resolution
// leaves the handle unresolved so a later call can retry.
//
// # Calls
//
// [Caller.Call] encodes arguments as MessagePack, invokes the resolved
// service with an explicit timeout, and decodes the reply. Failures are
// classified:
//
//   - the call did not finish in time → [txflow.ErrCallTimeout]
//   - the transport could not reach the target → [txflow.ErrUnreachable]
//   - the target ran and reported an application failure → [*RemoteError]
//     carrying the target's error code
//
// The proxy never retries; retry policy belongs to the caller, which
// knows whether the operation is idempotent.
//
// Services are invoked in-process by default. The natsrpc subpackage
// provides a NATS request-reply invoker and server for cross-process
// calls using the same envelope.
package proxy
