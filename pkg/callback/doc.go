/*
Package callback serves the inbound HTTP contract the host daemon (or a
sandbox's own startup scripts) uses to report lifecycle progress back to the
control plane: POST /sandbox-status.

The handler authenticates by comparing the request's apiSecret against the
sandbox record's immutable secret, maps the reported status string onto
pkg/sandbox's state machine, and always answers 200 — a secret mismatch or
unknown sandbox is reported as {success:false,error} in the body rather than
a 4xx status, so a misconfigured or slow-booting sandbox doesn't get caught
in a client-side retry storm against an already-overloaded leader.

The same fiber.App also exposes /healthz and /metrics, following the
teacher's plain-mux health server but rebuilt on fiber for consistency with
the rest of the control plane's HTTP surface.
*/
package callback
