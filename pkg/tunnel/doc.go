/*
Package tunnel implements Burrow's ticketed connection relay.

Resource endpoints never cross the user-facing API. Instead a user asks
the broker for a ticket, hands it to the tunnel transport, and the
transport redeems it for the real endpoint and relays bytes. The package
has two halves: the Broker issues and redeems tickets against replicated
state, and the Server speaks the wire protocol and pumps the relay.

# Tickets

A ticket is 48 alphanumeric characters from crypto/rand, single-use,
with a short TTL. Issuance requires an active assignment whose resource
is assigned and has an endpoint. Redemption is exactly-once: it is a
conditional store operation, so two transports racing on the same ticket
produce one winner. Expired, reused, and malformed tickets are refused
with distinct error kinds.

# Wire Protocol

A connecting client sends a fixed 7-byte handshake, a 4-byte command,
and for OPEN a 48-byte ticket:

	handshake: 5a 4d 47 42 a5 01 00
	commands:  OPEN (relay), TEST (liveness probe)
	responses: OK, ERROR_TICKET, ERROR_COMMAND, TIMEOUT, FORBIDDEN

A bad handshake gets FORBIDDEN and a closed connection. After OK the
connection becomes a raw bidirectional relay to the redeemed endpoint
with a per-read idle timeout; either side closing tears down both.

# Deployment

The Server takes a Redeemer, so it runs in two shapes: embedded in the
broker (redeeming against the local manager) or as a standalone tunnel
node at the edge (redeeming over HTTP via pkg/client). TLS is used when
a certificate pair is configured.
*/
package tunnel
