// Copyright (c) Roundtable Authors.
// Licensed under the MIT License.

/*
Package fanout delivers realtime conversation events to connected clients.

Clients join named groups:

	conversation:{orgId}:{conversationId}
	notifications:{orgId}:{userId}

Joining a conversation group requires an active participant, unless the
caller resolved to a bypass identity. Delivery is best-effort and at most
once per client: a slow client's buffer overflows and events are dropped for
it alone. Reconnecting clients catch up by listing messages after their read
cursor. With a RedisBridge, events published on one node reach clients
connected to every node.
*/
package fanout
