/*
Package provider abstracts the backends that realize resources.

An Adapter knows how to create, power, inspect, and destroy one kind of
resource. The pipeline calls adapters through this interface; nothing
above the pipeline touches a provider directly.

# Adapters

  - docker: containers via the Docker Engine API (docker/docker client)
  - containerd: containers via the containerd client
  - fake: in-memory adapter for tests; scriptable failures and
    provisioning delays

# Error Classification

Adapters classify every failure as errdefs.Transient (worth retrying) or
errdefs.Permanent (fail fast). Unclassified errors are treated as
transient by the pipeline, degrading to retry-then-fail.

# Idempotency

Create must be safe to re-check: Exists(providerID) lets a resumed task
detect a create that completed before the crash. Destroy of a missing
resource succeeds, so rollbacks and retried teardowns are harmless.

# Registry

The Registry maps a ServiceDefinition's ProviderKind to its adapter.
Kinds are registered at daemon start; an unknown kind is a permanent
error.
*/
package provider
