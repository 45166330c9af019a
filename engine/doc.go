// Package engine is a minimal worker for taskhub.
//
// An Engine registers its queue, heartbeat and control identities with the
// hub, answers heartbeat pings, and executes each task the scheduler sends
// to engine.<queue>.task on its own goroutine. Results go to
// scheduler.result; output written through Task.Stdout and Task.Stderr goes
// to monitor.iopub so the hub can record it.
//
// An abort_request on engine.<control>.control cancels the task's context.
// The task then reports status aborted whatever the executor returns.
//
// # Usage
//
//	eng, _ := engine.New(engine.Options{
//	    Config: engine.Config{Queue: "worker-1"},
//	    Bus:    msgBus,
//	    Executor: func(ctx context.Context, t *engine.Task) ([]byte, [][]byte, error) {
//	        t.Stdout("working\n")
//	        return bytes.ToUpper(t.Content), nil, nil
//	    },
//	})
//	if err := eng.Start(ctx); err != nil {
//	    return err
//	}
//	defer eng.Stop()
package engine
