// Package server binds one node's consensus.Node, raftlog.Log, session
// table, cluster view, external state machine, and compaction scheduler
// into a single runnable Context over one transport.Transport.
//
// Spec section 4.E models a server as two cooperative single-threaded
// contexts. Here that's two goroutines: consensus.Node's own internal
// goroutines drive elections and replication and own the log and stable
// store exclusively; Context's applyLoop goroutine drains newly committed
// entries (signaled via the Node's OnCommit callback) onto the session
// table and external state machine in strict index order. The RPC
// handlers, the expiry loop and the compaction scheduler also read the
// session table (which has its own lock), and the latter two call the
// state machine's Expire and Filter hooks from their own goroutines.
//
// Open binds the transport, installs every RPC handler, and starts both
// goroutines plus the compaction scheduler. Close reverses it in order:
// stop the node, stop applying, stop compacting, close the transport,
// close the log. Delete removes the on-disk log and is only valid after
// Close.
package server
