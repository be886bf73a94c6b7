/*
Package pipeline executes durable multi-step lifecycle tasks.

Provisioning, deprovisioning, and recycling a resource each take multiple
provider calls, any of which can fail or be interrupted by a broker
restart. The pipeline makes these operations durable: each task's step
progress is persisted after every boundary, steps are idempotent, and a
restarted broker resumes tasks from their last completed step instead of
re-running them.

# Step Sets

	provision:   create -> power_on -> wait_ready -> finalize
	deprovision: power_off -> destroy -> finalize
	recycle:     power_off -> power_on -> wait_ready -> finalize

The create step records the provider ID on the resource before the step
is marked complete, so a crash between create and persist is recovered by
the step's own existence check rather than by a duplicate create.

# Retry Policy

Transient errors (errdefs.ErrTransient, and anything unclassified) are
retried with exponential backoff, doubling from BackoffBase up to
BackoffCap, at most MaxRetries times. Permanent errors fail the task
immediately. A failed provision or recycle marks the resource Error and
submits a rollback deprovision so nothing leaks at the provider.

# Cancellation

Tasks are cancelled at step boundaries only; a step that has started
runs to completion so the provider is never left mid-call. A cancelled
provision rolls back the partial resource.

# Concurrency

A bounded worker pool drains the queue. Duplicate submissions for the
same resource and kind collapse onto the live task. LiveCounts exposes
in-flight work per pool so the reconciler never double-counts resources
that are already being created or destroyed.

# Integration Points

  - pkg/provider: the adapters the steps call
  - pkg/manager: task and resource persistence
  - pkg/reconciler, pkg/scheduler: task submitters
*/
package pipeline
