package config

type WorkerKeyStruct struct {
	PersistViolationsQueue  string
	PersistAttemptsQueue    string
	PendingSubmissionsQueue string
	InflightSubmissionsHash string
	DeadSubmissionsQueue    string
}

var WorkerKey = &WorkerKeyStruct{
	PersistViolationsQueue:  "persist_violations_queue",
	PersistAttemptsQueue:    "persist_attempts_queue",
	PendingSubmissionsQueue: "pending_submissions_queue",
	InflightSubmissionsHash: "inflight_submissions",
	DeadSubmissionsQueue:    "dead_submissions_queue",
}
