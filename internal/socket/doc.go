// Package socket implements the UDP socket client: one OS datagram endpoint
// with bind, send, receive, broadcast and multicast membership operations.
//
// # Lifecycle
//
// A Client starts unbound. Bind moves it to bound; every other operation except
// Close requires the bound state. Close is terminal.
//
//	unbound --Bind--> bound --Close--> closed
//	   \_________________Close______/
//
// # Blocking
//
// Receive is the only blocking operation. It never holds the client mutex while
// waiting, so Close (or any other operation) can run concurrently; closing the
// socket unblocks a pending Receive, which then fails with a KindReceive error
// wrapping ErrClosed.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use.
package socket
