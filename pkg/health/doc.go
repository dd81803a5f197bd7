/*
Package health implements the startup conditions that decide when a freshly
started container is ready.

# Checkers

Every check implements Checker:

	┌──────────────────────────────────────────┐
	│            Checker interface             │
	│  • Check(ctx) Result                     │
	│  • Type() CheckType                      │
	└──────┬─────────┬──────────┬─────────┬────┘
	       ▼         ▼          ▼         ▼
	    HTTP       TCP        Exec       Log
	  GET path   connect   command in  regex over
	  on port              container   log stream

HTTP probes built with NewHTTPProbe accept only 200 OK. Exec checks run
through the container engine and succeed on exit code 0. Log checks follow
the container output from the start until a line matches.

# Probe runner

Probe applies a Config to a checker:

	StartPeriod  delay before the first check
	Interval     pause between checks
	Timeout      bound on a single check
	Retries      consecutive failures before giving up

A probe that gives up returns a *ProbeError, which matches ErrProbeFailed
with errors.Is and carries the last Result.

	checker := health.NewHTTPProbe("127.0.0.1", 8080, "/health")
	_, err := health.Probe(ctx, checker, health.Config{
		StartPeriod: 2 * time.Second,
		Interval:    time.Second,
		Timeout:     3 * time.Second,
		Retries:     30,
	}, nil)
*/
package health
