/*
Package action implements the executors that move an application between
states: Pull, Start and Stop.

Executors are stateless. Everything they need about the application comes
from a Target, and the shared collaborators come from Services:

	services := action.Services{
		Engine:      eng,
		Limiter:     action.NewPullLimiter(4, 2*time.Minute),
		Credentials: credentialStore,
		Config:      action.DefaultConfig(),
	}
	err := action.NewPull(services).Execute(ctx, app)

# Pull

Images are pulled one at a time while holding a slot of the process-wide
PullLimiter. A waiter that cannot get a slot within the acquire timeout while
no pull anywhere made progress fails with ErrPullDeadlock. Attempts are
retried on the 1s, 1s, 1s, 5s, 10s ladder. An unauthorized registry answer
resolves credentials again and retries at once; ErrAuthCanceled ends the pull.
When an image already exists locally, three failed attempts are accepted as
success. A side goroutine publishes progress to the status message and fails
attempts that stop moving with ErrPullStalled.

# Start

The deployment hash combines the definition, the image digests and the
content of the bind-mounted runtime files. Running containers carrying the
hash are kept; every other container of the application is removed. Missing
replicas run their init containers, then the main container is created,
started and probed. InitContainerError and StartupError carry the tail of the
container output.

# Stop

Stop removes every container labelled for the application and succeeds when
there is none.
*/
package action
