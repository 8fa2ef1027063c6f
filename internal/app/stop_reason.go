package app

// StopReason tags shutdown log lines with what triggered them.
type StopReason string

const (
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
)
