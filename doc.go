// Package conductor drives AI-guided, multi-step workflows as durable
// state machines. Workflows are authored as Markdown directories on disk;
// each running instance is persisted so a client can disconnect, crash,
// or lose its own memory and later reconnect. At every transition the
// engine hands the full workflow text plus recent history to an LLM
// planner and uses its structured answer to pick the next step.
//
// The root package holds the capability contracts and the engine:
//
//   - DefinitionSource — loads, parses, and caches workflow directories
//     (implemented by package definition)
//   - Repository — durable instance + history storage
//     (implemented by store/sqlite and store/postgres)
//   - Planner — the LLM decision contract
//     (implemented by planner/gemini and planner/scripted)
//
// Compose with functional options:
//
//	eng := conductor.New(
//	    conductor.WithDefinitions(defs),
//	    conductor.WithRepository(repo),
//	    conductor.WithPlanner(conductor.WithRetry(gemini.New(key, model))),
//	)
//
// Package mcp exposes the engine's transitions as MCP tools over stdio.
package conductor
