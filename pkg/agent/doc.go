/*
Package agent drives one user turn of the coding agent against a session's
sandbox: stream a model response, parse it into blocks, apply file edits
and shell commands through the host gateway, and finalize a durable
summary.

# Iteration algorithm

Loop.Run iterates up to Config.MaxIterations times:

  1. Assemble a system prompt (file tree, a bounded context-file selection,
     AGENTS.md, and this turn's overlay of already-applied edits).
  2. Stream the model response, flushing partial text to the message store
     periodically and watching for a mid-stream stop request.
  3. Parse the response into blocks (pkg/agent/blocks) and apply them:
     <file> replaces, <edit> hunks patch the in-memory overlay, <bash>
     commands run through the deny list and the host exec gateway.
  4. If the response contained any bash commands, fold the command output
     back into the conversation and loop; otherwise stop.

Finalization deduplicates per-path edits (last write wins), records one
FileChange per touched path, writes a compact summary onto the message,
and — if a working branch is configured, anything changed and the turn was
not stopped — hands off to a Committer to auto-commit and open a pull
request.

# Model transport

Stream is a narrow interface so the concrete LLM provider is swappable.
HTTPStream is the only stdlib-only implementation in this tree: no example
repo in scope imports an LLM client library, so it speaks plain
net/http+SSE against an OpenAI-compatible streaming endpoint.

# CLI variant

CLIDriver implements the same entry point as Loop but drives a CLI
language-model binary inside the sandbox instead of streaming from this
process: it execs the binary, polls a JSONL progress file, and derives the
changed-file set from `git diff` once the process exits.
*/
package agent
