/*
Package namespace drives the applications of a namespace towards their
desired state.

# Application state machine

Every application runtime (AppRuntime) moves through a fixed graph. The
reconcile loop launches one action per ready status:

	READY_TO_PULL ──pull──▶ PULLING ──▶ READY_TO_START ──start──▶ STARTING ──▶ RUNNING
	                           │                                     │
	                           ▼                                     ▼
	                      PULL_FAILED                          START_FAILED

	READY_TO_STOP ──stop──▶ STOPPING ──▶ STOPPED
	                           │
	                           ▼
	                    STOPPING_FAILED

The three failed statuses are stalled: the loop never leaves them on its
own. A start, a stop or a definition change re-arms the application.
Transitions outside the graph fail with ErrInvalidTransition.

At most one action runs per application. Re-arming an application cancels
its in-flight action and the late result of that action is ignored.

# Namespace runtime

A Runtime owns the applications produced by the generator of a namespace
definition, the runtime files and a single reconcile goroutine. The loop
sleeps on a wake-up channel with an idle backoff ladder, launches actions
and recomputes the aggregate status:

	STALLED   any application is stalled
	RUNNING   every application is running or stopped by the operator
	STOPPED   every application is stopped after a namespace stop

Start and Stop return promises settled when the namespace reaches RUNNING
or STOPPED; a stall rejects the pending promise with the application error.

	rt, _ := manager.Register(&types.NamespaceDefinition{Name: "dev", Source: "stack.yaml"})
	if _, err := rt.Start().Await(ctx); err != nil {
		return err
	}

The status and the set of applications stopped by the operator are
persisted on every change, and Resume re-arms a namespace that was active
when the process ended.
*/
package namespace
