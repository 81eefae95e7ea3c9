package domain

// Result metadata constants
const (
	ModeAB            = "a_b"
	MetricTypeSeconds = "seconds"
)

// Processing stages, also used as keys of metadata.duration
const (
	StageFull      = "full"
	StagePrepare   = "prepare"
	StageReference = "reference"
	StageTest      = "test"
	StageCollect   = "collect"
)

// Test statuses reported by the engine
const (
	TestStatusPass = "pass"
	TestStatusFail = "fail"
)
