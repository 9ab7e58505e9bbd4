package models

import "time"

// Event names for the pipeline. Every stage consumes exactly one of
// these and emits at most one follow-up.
const (
	EventPlan            = "loop.plan"
	EventStoryDispatched = "loop.story.dispatched"
	EventTestsWritten    = "loop.tests.written"
	EventCodeCommitted   = "loop.code.committed"
	EventJudge           = "loop.judge"
	EventStoryPass       = "loop.story.pass"
	EventStoryFail       = "loop.story.fail"
	EventStoryRetried    = "loop.story.retried"
	EventImplement       = "loop.implement"
	EventComplete        = "loop.complete"
	EventRetro           = "loop.retro"
	EventCancelled       = "loop.cancelled"
)

// PlanPayload triggers story selection for a loop.
type PlanPayload struct {
	LoopID        string     `json:"loopId"`
	Project       string     `json:"project"`
	PRDPath       string     `json:"prdPath"`
	MaxRetries    int        `json:"maxRetries"`
	MaxIterations int        `json:"maxIterations"`
	Checks        ChecksMode `json:"checks"`
	RetryLadder   []string   `json:"retryLadder,omitempty"`
	Iteration     int        `json:"iteration"`
	StartedAt     time.Time  `json:"startedAt"`
}

// DispatchPayload carries a dispatched story through TestWriter and into
// Implement. The same shape is forwarded for loop.tests.written and
// loop.story.retried / loop.implement.
type DispatchPayload struct {
	LoopID        string     `json:"loopId"`
	Project       string     `json:"project"`
	PRDPath       string     `json:"prdPath"`
	StoryID       string     `json:"storyId"`
	RunToken      string     `json:"runToken"`
	Tool          string     `json:"tool"`
	Attempt       int        `json:"attempt"`
	MaxRetries    int        `json:"maxRetries"`
	MaxIterations int        `json:"maxIterations"`
	Checks        ChecksMode `json:"checks"`
	RetryLadder   []string   `json:"retryLadder,omitempty"`
	Story         Story      `json:"story"`
	Feedback      string     `json:"feedback,omitempty"`
	FreshTests    bool       `json:"freshTests,omitempty"`
	Iteration     int        `json:"iteration"`
	StoryStart    time.Time  `json:"storyStart"`
	LoopStart     time.Time  `json:"loopStart"`
}

// CommittedPayload is emitted by Implement once a commit (or the decision
// that no change was needed) exists for the attempt.
type CommittedPayload struct {
	DispatchPayload
	CommitSHA     string `json:"commitSha"`
	PriorFeedback string `json:"priorFeedback,omitempty"`
}

// JudgePayload is emitted by Review and consumed by Judge.
type JudgePayload struct {
	CommittedPayload
	TestResults TestResults `json:"testResults"`
}

// StoryPassPayload announces a story passing all gates. NextPlan carries
// the loop configuration forward so the continuation handler can re-emit
// planning without shared state.
type StoryPassPayload struct {
	LoopID    string        `json:"loopId"`
	StoryID   string        `json:"storyId"`
	CommitSHA string        `json:"commitSha,omitempty"`
	Attempt   int           `json:"attempt"`
	Duration  time.Duration `json:"duration"`
	NextPlan  PlanPayload   `json:"nextPlan"`
}

// StoryFailPayload announces a story exhausting its retries.
type StoryFailPayload struct {
	LoopID   string        `json:"loopId"`
	StoryID  string        `json:"storyId"`
	Reason   string        `json:"reason"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
	NextPlan PlanPayload   `json:"nextPlan"`
}

// CompletePayload is the terminal loop event, consumed by Retro.
type CompletePayload struct {
	LoopID           string      `json:"loopId"`
	Project          string      `json:"project"`
	PRDPath          string      `json:"prdPath"`
	Summary          LoopSummary `json:"summary"`
	StoriesCompleted int         `json:"storiesCompleted"`
	StoriesFailed    int         `json:"storiesFailed"`
	Cancelled        bool        `json:"cancelled"`
	BranchName       string      `json:"branchName,omitempty"`
}

// CancelledPayload requests cooperative cancellation of a loop. Stages
// match on LoopID equality.
type CancelledPayload struct {
	LoopID string `json:"loopId"`
	Reason string `json:"reason,omitempty"`
}
