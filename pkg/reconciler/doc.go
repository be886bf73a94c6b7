/*
Package reconciler converges pools toward their desired size.

Each cycle compares a pool's settled resources plus the pipeline's live
in-flight tasks against DesiredCount and MaxCount, then submits provision
or deprovision tasks to close the gap. Reading in-flight work from the
pipeline rather than the store means a cycle that runs before prior tasks
finish never double-counts.

# Convergence

	toCreate  = max(0, desired - (ready + liveProvisioning + liveRecycling))
	            capped by headroom = max - (ready + assigned + inFlight)
	            capped by MaxParallel per cycle
	toDestroy = max(0, ready - desired - liveDeprovisioning)

Assigned resources hold user sessions and are never destroyed; only the
unassigned ready cache shrinks. A fully assigned pool at MaxCount is
stable: nothing to create (no headroom), nothing to destroy (no ready
excess).

# Victim Selection

Shrink victims are chosen in order: resources built from a stale
definition version first, then least recently used, then oldest created.
Each victim is claimed with a conditional ready->releasing transition, so
a concurrent assignment that wins the race simply removes the resource
from the victim set.

# Error Draining and GC

Resources in the Error state are drained: a single deprovision is
submitted per resource (in-flight teardown suppresses re-submission).
Destroyed records are garbage-collected after a grace period, keeping
them visible long enough for operators to inspect failures.

# Leadership

The loop runs on every node but acts only while the local manager is the
Raft leader. Reconcile is also callable directly, which is how pool
create and scale operations get an immediate convergence pass.
*/
package reconciler
