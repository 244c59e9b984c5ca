// Package process supervises a single long-running registry server process
// and serializes the commands issued against it.
//
// The Supervisor starts the server on demand, pipes its output into
// growable buffers and hands the live stdout stream to exactly one task at
// a time. Tasks are serviced in submission order. The server is stopped
// again once the queue drains (unless the last task asked to keep it
// alive) or after a period without output.
//
// Features:
//   - Lazy start with a one-time tool check (`<binary> --version`)
//   - FIFO command queue with futures instead of callbacks
//   - Exclusive output listener per task
//   - Idle-timeout auto-stop with graceful SIGINT then SIGKILL
//   - Context cancellation of queued and active tasks
//
// Example usage:
//
//	sup := process.NewSupervisor(process.DefaultConfig("verdaccio", "verdaccio", nil))
//	defer sup.Close()
//
//	err := sup.Run(ctx, func(sess *process.Session, chunk []byte) {
//	    if bytes.Contains(chunk, []byte("http address")) {
//	        sess.Done()
//	    }
//	})
package process
