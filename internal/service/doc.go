// Package service runs ad-hoc shell scripts and tracks them until they end.
//
// Overview
// The Shell owns a Loop, a single goroutine executing posted closures. The
// ScriptRunner, the session registry and every session are only touched from
// that goroutine, so none of them is locked. Remote callers, timers, process
// waiters and dump goroutines post onto the Loop instead.
//
// A script gets its id from the scriptid package, a session (timeout and
// remote object) and a record in the ScriptRunner (process, output file,
// single fire notifier). The record lives until the terminal notification;
// the session is removed by that notification.
//
// Data flow:
//
//	Shell.Start        registry          ScriptRunner          executor
//	    |                 |                   |                    |
//	    |-- ensureCapacity (evicts oldest) -->| CancelScript       |
//	    |-- newSession -->|                   |                    |
//	    |------------------------------------>| RunScript -------->| Start
//	    |                 |                   |<------ exit -------| (posted)
//	    |                 |                   |-- dump.Start (own goroutine)
//	    |<------------- Outcome --------------|                    |
//	    |-- remove ------>|                   |                    |
//
// Invariants:
//   - Exactly one Outcome per script that was started successfully.
//   - A failed start leaves no directory, record or session behind.
//   - At most MaxActive sessions, the oldest is evicted first.
//   - A script directory is removed after the process is reaped, or by the
//     dump coordinator once the dump reports a terminal status.
//
// internal/service/shell_test.go is the best source about how to properly use
// the Shell struct.
package service
