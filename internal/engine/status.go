package engine

import "sync"

// Stage identifies what the engine is currently doing.
type Stage string

const (
	StageIdle             Stage = "idle"
	StageSelectingUpdates Stage = "selecting-updates"
	StageVerifyingRemote  Stage = "verifying-remote"
	StageDownloading      Stage = "downloading"
	StageInstalling       Stage = "installing"
	StageDone             Stage = "done"
)

// Result is the terminal outcome of a run.
type Result int

const (
	// ResultPending means the run has not reached a terminal state yet.
	ResultPending Result = iota
	// ResultSuccess means every stale file was fetched and installed.
	ResultSuccess
	// ResultUpToDate means the local tree already matched the manifest.
	ResultUpToDate
	// ResultFailed means the run aborted; Status carries reason and detail.
	ResultFailed
)

// String returns the result name for logging.
func (r Result) String() string {
	switch r {
	case ResultPending:
		return "pending"
	case ResultSuccess:
		return "success"
	case ResultUpToDate:
		return "up-to-date"
	case ResultFailed:
		return "failed"
	}
	return "unknown"
}

// Reason is the machine-readable cause of a failed run.
type Reason string

const (
	// ReasonRemoteMissing: an object to download is absent on the remote.
	ReasonRemoteMissing Reason = "remote-missing"
	// ReasonRemoteInvalid: the remote advertises a wrong size for an object.
	ReasonRemoteInvalid Reason = "remote-invalid"
	// ReasonDownloadFailed: the remote returned no object for a fetch.
	ReasonDownloadFailed Reason = "download-failed"
	// ReasonCorruptDownload: a fetched object failed its signature check.
	ReasonCorruptDownload Reason = "corrupt-download"
	// ReasonDecompressFailed: a cached object could not be unpacked.
	ReasonDecompressFailed Reason = "decompress-failed"
	// ReasonCancelled: cancellation was observed at a checkpoint.
	ReasonCancelled Reason = "cancelled"
	// ReasonMaintenance: the readiness gate refused the run.
	ReasonMaintenance Reason = "maintenance"
	// ReasonInternal: the engine was misused, e.g. a completed engine reran.
	ReasonInternal Reason = "internal"
)

// Status is the run state shared between the engine and its caller. The
// engine is the only writer; callers may poll the stage while a run is in
// progress and read the terminal fields once Run has returned.
type Status struct {
	mu         sync.Mutex
	stage      Stage
	result     Result
	failReason Reason
	failDetail string
}

func newStatus() *Status {
	return &Status{stage: StageIdle, result: ResultPending}
}

// Stage returns the stage the engine is currently in.
func (s *Status) Stage() Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage
}

// Result returns the terminal result, or ResultPending while the run is live.
func (s *Status) Result() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// FailReason returns the machine-readable failure cause of a failed run.
func (s *Status) FailReason() Reason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failReason
}

// FailDetail returns the human-readable failure detail of a failed run.
func (s *Status) FailDetail() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failDetail
}

func (s *Status) setStage(stage Stage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stage = stage
}

func (s *Status) finish(result Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stage = StageDone
	s.result = result
}

func (s *Status) fail(reason Reason, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stage = StageDone
	s.result = ResultFailed
	s.failReason = reason
	s.failDetail = detail
}
