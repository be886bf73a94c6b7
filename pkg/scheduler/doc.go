/*
Package scheduler assigns pool resources to users.

The scheduler is the session broker: given a user and a service
definition it reattaches to an existing session, claims a warm resource
from the pool, or falls back to on-demand provisioning when the pool is
empty but has headroom. It also releases sessions, applies the recycle
policy, and sweeps idle assignments.

# Assignment Flow

	RequestAssignment(user, def):
	  1. Reattach: an active assignment for this user+def whose resource
	     is still healthy is returned as-is (idempotent requests).
	  2. Claim: ready resources are taken least-recently-used first with
	     a conditional ready->assigned transition. Losing the race to a
	     concurrent claimer just moves on to the next candidate.
	  3. On-demand: with no ready resource but pool headroom, a provision
	     task is submitted and ErrPending tells the caller to poll.
	  4. Otherwise ErrCapacityExhausted.

Assignment creation enforces exclusivity in the store (one session per
resource unless the definition allows multi-session, one session per
user per definition). A lost creation race unclaims the resource and
retries reattach, because the winner was very likely this same user's
concurrent request.

# Release

Release transitions the resource assigned->releasing, closes the
assignment, and applies the recycle policy: recycle back into the warm
pool, or deprovision when the policy says destroy or the resource has hit
its reuse cap. Release is idempotent; releasing an already released
assignment is a no-op.

# Idle Sweep

A leader-only loop scans active assignments and releases those whose
LastActiveAt is older than the definition's idle timeout (or the
configured default). Agent pings and tunnel activity refresh the
timestamp through Touch.
*/
package scheduler
