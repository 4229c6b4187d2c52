/*
Package events provides an in-memory, non-blocking pub/sub broker for a
single server's own lifecycle notifications.

Unlike the replicated log, nothing published here is durable or agreed
upon by the cluster — it's a local observability hook. A server.Context
publishes a KindRoleChanged event whenever its consensus.Node's role
changes, KindMembershipChanged when a Configuration entry is appended to
its log, and
KindSessionExpired when the expiry loop times a session out. A CLI
command or an internal metrics exporter can Subscribe to watch a single
node's behavior without polling.

Publish never blocks a slow subscriber: each Subscriber is a buffered
channel, and broadcast drops the event for any subscriber whose buffer
is full rather than stalling the publisher.
*/
package events
