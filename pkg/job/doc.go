/*
Package job defines the unit of work the scheduler dispatches.

A job starts, runs to exactly one terminal state (ok, failed, skipped or
terminated) and reports it once on the scheduler's completion channel.
FuncJob runs a function in a goroutine and terminates through context
cancellation; CommandJob runs an external process and is suspended,
terminated and killed by signal.
*/
package job
