package queue

// Storage combines the repository surfaces of the durable task queue. One
// implementation backs all three roles: the enqueuer appending chain step
// tasks, the worker claiming and completing them, and the scheduler managing
// the periodic scan tasks. MemoryStorage serves tests; the Postgres storage
// serves deployments.
type Storage interface {
	// EnqueuerRepository creates tasks, including the next step task a
	// completed chain step appends.
	EnqueuerRepository

	// WorkerRepository claims, completes, fails, and dead-letters tasks.
	WorkerRepository

	// SchedulerRepository manages scheduler-generated periodic tasks.
	SchedulerRepository
}
