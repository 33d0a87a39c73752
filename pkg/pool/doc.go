// Package pool generalizes the teacher's replicated-service scheduling
// algorithm ("count active, create the shortfall, select the node with
// fewest assignments") from service replicas to pool target sizes: a
// generic pool of plain sandboxes plus one pool per recently active
// repository, each recording a dependency-cache volume name that is not
// passed to the host, so no volume is mounted. Replenishment
// runs periodically; assignment happens synchronously on a user's first
// request for a sandbox, preferring a repo-affine match and falling back to
// the oldest ready generic entry (FIFO).
package pool
