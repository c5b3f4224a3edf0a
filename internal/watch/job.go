package watch

// Status is the local view of a remote job's lifecycle state.
type Status string

const (
	StatusCreated    Status = "created"
	StatusUploading  Status = "uploading"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusErrored    Status = "errored"
)

// Terminal reports whether no further transitions are accepted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusErrored
}

// ParseStatus maps a wire status to a known Status. Unknown values are
// rejected rather than applied.
func ParseStatus(raw string) (Status, bool) {
	switch Status(raw) {
	case StatusCreated, StatusUploading, StatusProcessing, StatusCompleted, StatusErrored:
		return Status(raw), true
	default:
		return "", false
	}
}

// AnalysisJob is the read-only job view exposed to consumers. Mutated only
// by the coordinator in response to channel events; presentation code gets
// value copies.
type AnalysisJob struct {
	ID           string
	Status       Status
	Progress     int    // percent, meaningful while processing; not monotonic
	Result       []byte // present iff completed and the fetch succeeded
	ErrorMessage string // present iff errored
}
