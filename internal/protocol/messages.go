package protocol

// Message is any frame exchanged between broker and worker.
type Message interface{ isMessage() }

// Hello is the first frame a worker writes on any transport. It advertises
// the worker's slot count.
type Hello struct {
	Slots uint16
}

// EnqueueJob assigns a job to this worker.
type EnqueueJob struct {
	Id   JobId
	Spec JobSpec
}

// CancelJob asks the worker to abandon a job in any non-terminal state.
type CancelJob struct {
	Id JobId
}

// ArtifactTransferred is a broker-initiated artifact push. Locator is the
// local path of a staging file already holding the payload; the broker
// transports forward the frame unchanged and the dispatcher adopts that file.
type ArtifactTransferred struct {
	Digest  Digest
	Locator string
}

// GetArtifact asks the broker to start transferring a blob.
type GetArtifact struct {
	Digest Digest
}

// JobStateTransition reports a job entering a new execution state.
type JobStateTransition struct {
	Id     JobId
	Status WorkerJobStatus
}

// JobCompleted carries a job's terminal result. Sent exactly once per job.
type JobCompleted struct {
	Id     JobId
	Result JobResult
}

func (*Hello) isMessage()               {}
func (*EnqueueJob) isMessage()          {}
func (*CancelJob) isMessage()           {}
func (*ArtifactTransferred) isMessage() {}
func (*GetArtifact) isMessage()         {}
func (*JobStateTransition) isMessage()  {}
func (*JobCompleted) isMessage()        {}
