package loyalty

// Recorder receives ledger events for metrics. See internal/metrics for the
// Prometheus implementation.
type Recorder interface {
	Earned(programID ProgramID, points int64)
	Redeemed(programID ProgramID, points int64)
	Rejected(op string, err error)
	TaskCompleted(programID ProgramID, taskID TaskID)
	RewardGranted(programID ProgramID, points int64)
	Conflict(op string)
	Drifted(programID ProgramID)
}

type nopRecorder struct{}

func (nopRecorder) Earned(ProgramID, int64)        {}
func (nopRecorder) Redeemed(ProgramID, int64)      {}
func (nopRecorder) Rejected(string, error)         {}
func (nopRecorder) TaskCompleted(ProgramID, TaskID) {}
func (nopRecorder) RewardGranted(ProgramID, int64) {}
func (nopRecorder) Conflict(string)                {}
func (nopRecorder) Drifted(ProgramID)              {}
