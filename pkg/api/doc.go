/*
Package api serves the control plane's admin surface: a read-mostly REST
view over sandboxes, sessions and pool occupancy, plus an operator escape
hatch to force a scheduler task to run immediately instead of waiting out
its tick interval.

The original gRPC admin surface (cluster membership, deploy, volumes,
ingress, certificates) depended on protoc-generated stubs that have no
home in this tree, so it was dropped rather than carried forward broken;
see DESIGN.md. What remains is deliberately small: the sandbox control
plane's operational surface is sandboxes, sessions and the pool, not the
general-purpose orchestration surface the teacher exposed.
*/
package api
