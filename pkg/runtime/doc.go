/*
Package runtime wraps containerd's client API behind the narrow surface the
reference host daemon (cmd/sandboxd-hostdaemon) needs: create a sandbox
container from an image, start it, run one-shot commands inside it via
containerd's exec, tear it down, and list what namespace "sandboxd"
currently has live.

This is the containerd integration the teacher's pkg/runtime provided for
its general-purpose container orchestration; here it is narrowed to what a
sandbox is — one long-running container per sandbox, no resource-limit
tuning, no secret or volume management; Spec.Mounts adds whatever bind
mounts the caller lists, and the reference host daemon lists none — and gains the one operation the teacher's runtime never
needed: Exec, because a sandbox's whole purpose is running arbitrary
commands an agent loop requests, not running one fixed entrypoint.
*/
package runtime
