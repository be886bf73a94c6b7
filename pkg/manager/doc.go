/*
Package manager implements Burrow's replicated control plane.

The manager owns the broker's state: it embeds a Raft node (hashicorp/raft
with a BoltDB log store) whose finite state machine applies every mutation
to the local storage layer. Reads go straight to the local store; writes
are proposed as commands, committed through the Raft log, and applied on
every node in the same order.

# Architecture

	┌───────────────────── MANAGER ──────────────────────────┐
	│                                                         │
	│   API / scheduler / pipeline / reconciler               │
	│                      │                                  │
	│          typed helpers (CreatePool, CASResource, ...)   │
	│                      │                                  │
	│               command encoding (JSON)                   │
	│                      │                                  │
	│      ┌───────────────▼───────────────┐                  │
	│      │         hashicorp/raft        │                  │
	│      │  log store: raft-boltdb       │                  │
	│      │  snapshots: file snapshots    │                  │
	│      └───────────────┬───────────────┘                  │
	│                      │ Apply                            │
	│      ┌───────────────▼───────────────┐                  │
	│      │             FSM               │                  │
	│      │  decodes commands, executes   │                  │
	│      │  them against storage.Bolt    │                  │
	│      └───────────────────────────────┘                  │
	└─────────────────────────────────────────────────────────┘

# Commands

Every mutation is a command: create/update/delete for each record type,
plus the conditional operations (resource CAS, assignment creation,
ticket redemption). Conditional commands carry their expectations in the
command body and are evaluated inside the FSM apply, so the outcome is
identical on every replica.

# Standalone Mode

For single-node deployments and tests the manager runs without Raft:
commands are applied directly to the FSM and IsLeader always reports
true. The command path is byte-identical either way, so behavior under
replication matches behavior in tests.

# Cluster Membership

Bootstrap starts a fresh single-voter cluster. AddVoter admits a new
node; followers forward joins to the leader via the API. LeaderAddr
exposes the current leader for client redirects.

# Leadership

Only the leader runs the reconciler and scheduler loops and accepts
writes. Followers return errdefs.ErrNotLeader with the leader's address
so clients can redirect.

# Actor Tokens

The manager also mints and validates actor tokens (random 256-bit values)
that in-guest agents present on callbacks. Tokens are replicated like any
other record and deleted when their resource is destroyed.

# Integration Points

  - pkg/storage: the store the FSM applies to
  - pkg/api: HTTP surface over the typed helpers
  - pkg/pipeline, pkg/reconciler, pkg/scheduler: leader-only consumers
*/
package manager
