// Package brains is a durable, resumable workflow runtime for LLM-driven
// pipelines.
//
// A Brain is a typed, linear composition of blocks: deterministic steps,
// agentic tool-calling loops, nested brains, and conditional guards. The
// runtime executes a brain as an ordered stream of events, persists every
// event to a durable log, and can reconstruct the full execution state from
// that log alone — a run interrupted by a webhook wait, an operator pause,
// or a process restart resumes exactly where it left off, possibly in a
// different process.
//
// # Quick Start
//
// Declare a brain and run it under a Runtime:
//
//	brain := brains.NewBrain("Counter",
//		brains.WithStep("Increment", func(ctx context.Context, sc *brains.StepContext) (brains.StepResult, error) {
//			n, _ := sc.State["count"].(float64)
//			return brains.StepResult{State: brains.State{"count": n + 1}}, nil
//		}),
//	)
//
//	rt := brains.NewRuntime(sqlite.New("brains.db"), brains.WithLLM(client))
//	rt.Register(brain)
//	run, err := rt.StartRunWithState(ctx, "Counter", nil, brains.State{"count": 0})
//
// # Core pieces
//
//   - [Brain], [Block] — the step graph a brain author declares
//   - [Event], [Patch] — the durable record; state is the fold of all
//     step patches over the initial state
//   - [Stream] — the lazy event generator driving one run
//   - [Reconstruct] — rebuilds state, nesting stack, and in-flight agent
//     conversation from a persisted log
//   - [Runtime] — per-run ownership, signal dispatch, live SSE feeds,
//     webhook routing, and cron scheduling
//   - [Store] — persistence contract (store/sqlite, store/postgres)
//   - [LLMClient], [TextGenerator] — the LLM provider contract
//
// See the server package for the HTTP surface and cmd/brains for a
// complete host process.
package brains
