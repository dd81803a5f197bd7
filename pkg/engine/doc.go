/*
Package engine is the gateway between hutch and the container engine.

The Engine interface is the whole capability surface the orchestration core
needs: image inspect and pull, container lifecycle, exec, log streaming,
networks and namespace-scoped volumes. ContainerdEngine implements it on top
of containerd; package enginetest provides an in-memory fake.

Every container hutch creates carries the io.hutch.* labels, which is how
containers are found again after a restart:

	io.hutch.namespace        owning namespace
	io.hutch.app              application name
	io.hutch.deployment-hash  fingerprint of the desired state it was created from
	io.hutch.role             "main" or "init"

Errors that callers branch on are wrapped sentinels: ErrNotFound,
ErrUnauthorized and ErrNotRunning.
*/
package engine
