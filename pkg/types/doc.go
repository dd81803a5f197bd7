/*
Package types defines the core data structures used throughout hutch.

The types package is the foundation of the namespace runtime. It defines the
desired state of an application as produced by a generator, the status enums
of applications and namespaces, and the small records persisted between runs.

# Core Types

Desired state:
  - Application: image, kind, env, ports, mounts, limits, startup condition
  - InitContainer: run-to-completion container executed before the main one
  - InitAction: command executed inside the running container
  - Probe: HTTP, exec or log-pattern startup condition

Status:
  - AppStatus: per-application state machine states
  - NamespaceStatus: aggregate namespace state

Persistence:
  - NamespaceState: status and manually stopped applications
  - RuntimeFile: generated file with content hash and edited flag
  - Credential: encrypted registry credentials

# Application Status Graph

	STOPPED ──► READY_TO_PULL ──► PULLING ──┬──► READY_TO_START ──► STARTING ──┬──► RUNNING
	                                        └──► PULL_FAILED                   └──► START_FAILED

	(any non-stopping state) ──► READY_TO_STOP ──► STOPPING ──┬──► STOPPED
	                                                          └──► STOPPING_FAILED

PULL_FAILED, START_FAILED and STOPPING_FAILED are stalled: the reconciliation
loop never leaves them on its own.

Applications are compared by their definition hash (see package deployhash),
so every field that influences the started container must live on the
Application value.
*/
package types
