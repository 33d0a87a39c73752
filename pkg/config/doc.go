/*
Package config loads sandboxd's configuration from a YAML file, environment
variables and CLI flags, layered in that precedence order through
spf13/viper exactly as the teacher's cmd/warren binds its persistent flags
with spf13/cobra and spf13/pflag.

Config is a flat grouping of nested structs, one per component, mirroring
the teacher's pkg/manager.Config / pkg/worker.Config shape rather than one
giant struct: HostConfig for the host gateway's base URL and shared secret,
PoolConfig and TimeoutConfig feeding pkg/pool and pkg/scheduler directly,
and AgentConfig for the agent loop's iteration cap and context/output
budgets. Defaults match §6.4 and the scheduler's default timeout table.
*/
package config
