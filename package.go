// trickle is a package that serves a single payload over raw TCP at a controlled pace.
// Every client receives the payload in fixed size chunks with a pause between chunks,
// optionally looping forever and optionally truncated to a number of bytes per pass.
// Below is a simplified architecture diagram:
//
//
// Server (accept loop)
// ┌───────────────────────────────┐    Submit(task)     Pool
// │ Listener                      ├──────────────────► ┌──────────────────────┐
// │  global limiter ◄──────┐      │                    │ pending FIFO         │
// │                        │      │                    │ ┌──┬──┬──┬──┐        │
// └──────────────┬─────────┼──────┘                    │ └──┴──┴──┴──┘        │
//                │         │ allocates                 │ worker 1..N          │
//                │         │ bandwidth                 └──────────┬───────────┘
//  Conn          │         │                                      │ runs
//  ┌─────────────▼───┐     │                           Sender     ▼
//  │ Allocator       ├─────┘                           ┌──────────────────────┐
//  │  local limiter  │◄──────────────────────────────────┤ write chunk, flush   │
//  └─────────────────┘            writes               │ pause interval       │
//                                                      │ repeat / max bytes   │
//                                                      └──────────┬───────────┘
//                                                                 │ reads
//                                                      Plan (shared, read-only)
package trickle
