package ecmd

// CyclicTask is the stepwise protocol exchange shape shared by the state
// machine, mailbox, CoE and DC packages. The external real time loop calls
// Push to let the task stage datagrams for the coming cycle, runs the
// Commander's Cycle, then calls Update so the task can consume responses
// and advance. Tasks never block and never sleep; all their timeouts are
// counted in Update calls.
type CyclicTask interface {
	// Push stages this cycle's datagrams on c. It is a no-op for an idle
	// or finished task.
	Push(c Commander) error
	// Update consumes the responses of the last cycle and advances the
	// task state by one step.
	Update()
	// Busy reports whether the task still owns an unfinished exchange.
	Busy() bool
}

// RunToCompletion drives a task through repeated cycles until it finishes
// or maxCycles have elapsed. It is a convenience for acyclic contexts like
// tooling and tests; a real time loop interleaves many tasks instead.
func RunToCompletion(c Commander, t CyclicTask, maxCycles int) error {
	for i := 0; i < maxCycles && t.Busy(); i++ {
		if err := t.Push(c); err != nil {
			return err
		}
		if err := c.Cycle(); err != nil {
			return err
		}
		t.Update()
	}
	return nil
}
