// Package adapter implements the debug adapter core that mediates
// between a DAP client and a JavaScript runtime speaking the Chrome
// DevTools Protocol.
//
// # Architecture
//
// The adapter is organized around an event-driven façade and a set of
// managers, leaves first:
//
//	┌─────────────────────────────────────────────────────────────────┐
//	│                        Adapter façade                            │
//	│  - DAP request surface, event emission                          │
//	└─────────────────────────────────────────────────────────────────┘
//	            │                │                  │
//	            ▼                ▼                  ▼
//	┌───────────────────┐ ┌──────────────┐ ┌──────────────────────────┐
//	│ Pause coordinator │ │  Inspector   │ │   Expression evaluator   │
//	│  stop reasons,    │ │  stack,      │ │   frame/global dispatch, │
//	│  smart step,      │ │  scopes,     │ │   .scripts, completions  │
//	│  event ordering   │ │  variables   │ │                          │
//	└───────────────────┘ └──────────────┘ └──────────────────────────┘
//	            │                │
//	            ▼                ▼
//	┌───────────────────┐ ┌──────────────┐
//	│Breakpoint manager │ │  Skip files  │
//	│  pending, hit     │ │  blackbox    │
//	│  conditions,      │ │  patterns,   │
//	│  serialization    │ │  ranges      │
//	└───────────────────┘ └──────────────┘
//	            │                │
//	            └───────┬────────┘
//	                    ▼
//	           ┌─────────────────┐
//	           │ Script registry │
//	           │  handle tables  │
//	           └─────────────────┘
//
// # Concurrency
//
// The debuggee is monothreaded and the adapter models exactly one thread.
// DAP requests arrive on the connection's read goroutine; CDP events
// arrive in order on the client's dispatch goroutine. Manager state is
// guarded by short critical sections; no lock is ever held across a CDP
// round-trip.
//
// # Ordering guarantees
//
//   - setBreakpoints operations are globally serialized against the
//     runtime and bounded by a 3 second timeout.
//   - The initialized event waits for the source maps of every script
//     announced before the debugger was enabled.
//   - A stopped event for a step is not emitted before the step's own
//     response, bounded by 300ms.
//   - Evaluation after a resume waits out a 50ms settle window.
package adapter
