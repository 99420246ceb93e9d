// Package agentmgr supervises long-running background components inside one
// process.
//
// The core functionality centers around the Orchestrator type, which creates
// components, runs their supervision loops and stops them on request:
//
//	o := agentmgr.New(agentmgr.WithLogger(log))
//	defer o.Close(context.Background())
//
//	rec, err := o.Create(ctx, "watcher-1", agentmgr.KindMonitor,
//	    map[string]any{agentmgr.ConfigCheckInterval: 1})
//	if err != nil {
//	    return err
//	}
//
//	// Later, from any goroutine
//	err = o.Stop(ctx, rec.ID)
//
// Service and monitor components run a built-in loop that refreshes the
// heartbeat and runs the check registered with WithCheck. Workflow and
// ai_worker components are registered only; attach a loop of your own with
// Attach. A loop that fails moves its component to StatusError without
// affecting any other component. Cancellation is never recorded as a failure.
//
// # ServiceManager
//
// The ServiceManager is an alternative for passive components that are probed
// from outside. It fans Initialize, HealthCheck and Cleanup out concurrently
// and always returns one result per registered service:
//
//	m := agentmgr.NewServiceManager(
//	    agentmgr.WithConcurrency(5),
//	    agentmgr.WithTimeout(10 * time.Second),
//	)
//	_ = m.Register(agentmgr.NewService("docker", dockerDriver, log))
//	ok := m.InitializeAll(ctx)      // map[string]bool
//	health := m.HealthCheckAll(ctx) // map[string]Health
//
// # QueueWorker
//
// The QueueWorker executes discrete work items one at a time in FIFO order.
// Submit never blocks; callers poll Result:
//
//	w := agentmgr.NewQueueWorker(agentmgr.WithHandler("scan", scan))
//	w.Start(ctx)
//	defer w.Stop()
//	id := w.Submit(agentmgr.WorkItem{Type: "scan"})
//
// A QueueWorker can also be supervised by the Orchestrator by attaching its
// Run method to an ai_worker component.
//
// # Observers
//
// Collector exports record counts to Prometheus, SnapshotWriter atomically
// writes a JSON status file, and Watchdog reports running components whose
// heartbeat is stale. None of them mutates a record.
package agentmgr
