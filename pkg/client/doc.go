/*
Package client provides a Go client for the Burrow HTTP API.

The client backs the burrow CLI and the standalone tunnel node. It wraps
every API operation in a typed method, reconstructs errdefs sentinels
from error kinds so errors.Is works across the wire, and transparently
follows one leader redirect when a write lands on a follower.

# Usage

	c := client.NewClient("http://broker:8440")

	a, err := c.RequestAssignment(ctx, "alice", defID)
	if errors.Is(err, errdefs.ErrPending) {
		// provisioning, poll again
	}

	ticket, err := c.IssueTicket(ctx, a.ID)

The client also satisfies tunnel.Redeemer, which is how a standalone
tunnel node redeems tickets against a remote broker.
*/
package client
