/*
Package health provides a small HTTP health checker and a hysteresis-aware
status tracker, used by the lifecycle scheduler to probe the host daemon's
own liveness before running a reconcile pass.

# Why reconcile needs this

reconcile cross-checks every tracked sandbox and ready pool entry against
the host daemon's live enumeration, destroying or marking unhealthy
anything it can't find there. If the host daemon itself is down, that
enumeration comes back empty and looks identical to every sandbox having
vanished at once — reconcile would tear down a perfectly healthy fleet.
Checking the host daemon's /healthz first and skipping the pass on failure
avoids that.

# Core Components

## Checker Interface

	type Checker interface {
		Check(ctx context.Context) Result
		Type() CheckType
	}

## HTTPChecker

	checker := health.NewHTTPChecker("http://host-daemon:9000/healthz")
	checker.WithTimeout(3 * time.Second)

	result := checker.Check(ctx)
	if !result.Healthy {
		// skip this reconcile pass
	}

## Status and hysteresis

Status tracks consecutive failures/successes over time and implements
hysteresis, so a single flaky check doesn't immediately flip a verdict:

	status := health.NewStatus()
	status.Update(result, health.DefaultConfig())
	if !status.Healthy {
		// Retries consecutive failures have now been observed
	}

# See Also

  - pkg/scheduler - the sole caller, via Scheduler.reconcile
  - pkg/hostgw - the client whose BaseURL the checker targets
*/
package health
