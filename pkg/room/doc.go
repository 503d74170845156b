/*
Package room routes document updates between subscribed connections.

A room is the set of peers subscribed to one document key. Broadcast fans a
frame out to every member except the originator, so a peer never hears its
own update echoed back. Delivery is best-effort per member: enqueueing into a
peer's bounded queue either succeeds immediately or the peer is kicked with
slow-consumer, keeping one stalled reader from delaying the rest of the room.

Ordering: the session endpoint processes each connection's messages
sequentially and peer queues are FIFO, so for one originator and one
recipient, updates arrive in the order the router received them. No ordering
holds across originators; the CRDT absorbs that.

The router owns neither documents nor connections. It holds document keys by
value and peers through the narrow Peer interface, so eviction and disconnect
logic stay in their owning packages.
*/
package room
