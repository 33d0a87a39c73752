// Package hostgw implements the control plane's only path to sandbox
// compute: a thin, typed HTTP client over the host daemon's create/setup/
// exec/list/destroy contract.
//
// Every call classifies its failure (transient, conflict, not-found, fatal)
// so callers — the pool manager, the scheduler's process-requested and
// process-stopping tasks, the agent loop's exec path — can apply the right
// recovery without re-deriving the taxonomy themselves. Transient errors
// are already retried (2s/4s/8s, capped at 3 attempts) by the underlying
// retryablehttp client; one that outlasts those retries reaches the caller
// as ErrClassFatal.
package hostgw
