/*
Package promise provides a cancellable asynchronous result.

A Promise settles exactly once with a value or an error. Promises created with
Go run a function in their own goroutine and hand it a context that Cancel
cancels; they settle when the function returns, so a canceled promise still
reports done only once the work has actually stopped. Deferred promises are
settled from outside and settle immediately when canceled.

	p := promise.Go(ctx, func(ctx context.Context) (string, error) {
		return pull(ctx, image)
	})

	digest := promise.Then(p, func(ref string) (string, error) {
		return inspect(ref)
	}).Finally(wake)

	p.Cancel() // best effort, never blocks

Chained promises (Then, Catch, MapErr, Finally) propagate cancellation
upstream. Waiting with Await never cancels the promise being waited on.
*/
package promise
