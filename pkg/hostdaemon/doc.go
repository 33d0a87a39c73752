// Package hostdaemon is the reference implementation of the §6.2 host
// gateway HTTP contract: create/setup/exec/list/destroy for containers
// backing sandboxes, on top of pkg/runtime's containerd wrapper.
//
// It exists so the control plane (pkg/hostgw's client) has something real
// to talk to in development and integration tests without a fleet of
// micro-VMs or managed droplets. A production deployment runs a different
// process speaking the same contract; nothing in the control plane depends
// on this package.
//
// The fiber wiring (route registration, metrics middleware, health/metrics
// endpoints) mirrors pkg/callback and pkg/api, which serve the other two
// HTTP surfaces in this system.
package hostdaemon
