package scan

// ProgressKind discriminates the Progress variants.
type ProgressKind int

const (
	// ProgressNotStarted means the job has not been picked up yet.
	ProgressNotStarted ProgressKind = iota
	// ProgressInProgress means a worker reported a percentage.
	ProgressInProgress
	// ProgressTerminated means the job finished and its progress is final.
	ProgressTerminated
)

func (k ProgressKind) String() string {
	switch k {
	case ProgressInProgress:
		return "in_progress"
	case ProgressTerminated:
		return "terminated"
	default:
		return "not_started"
	}
}

// Progress is the queue-side progress of a job. Only InProgress carries a
// percentage; callers switch on Kind.
type Progress struct {
	kind    ProgressKind
	percent float64
}

// NotStarted returns the progress of a job no worker has touched.
func NotStarted() Progress { return Progress{kind: ProgressNotStarted} }

// InProgress returns a progress value carrying percent.
func InProgress(percent float64) Progress {
	return Progress{kind: ProgressInProgress, percent: percent}
}

// Terminated returns the progress of a finished job.
func Terminated() Progress { return Progress{kind: ProgressTerminated} }

// Kind returns the variant.
func (p Progress) Kind() ProgressKind { return p.kind }

// Percent returns the reported percentage and true for InProgress values.
func (p Progress) Percent() (float64, bool) {
	if p.kind != ProgressInProgress {
		return 0, false
	}
	return p.percent, true
}
