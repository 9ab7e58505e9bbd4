package models

import "time"

// TestResults captures the structured outcome of the Review validation
// gates for one commit. Details carries the raw failure output and is
// forwarded verbatim to Judge for feedback construction.
type TestResults struct {
	TestsPassed int    `json:"testsPassed"`
	TestsFailed int    `json:"testsFailed"`
	TypecheckOK bool   `json:"typecheckOk"`
	LintOK      bool   `json:"lintOk"`
	Details     string `json:"details,omitempty"`
}

// Attempt is one (story, attempt number) execution record. Attempts are
// append-only history; they are never rewritten once recorded.
type Attempt struct {
	StoryID   string        `json:"storyId"`
	Attempt   int           `json:"attempt"`
	Tool      string        `json:"tool"`
	CommitSHA string        `json:"commitSha,omitempty"`
	Results   TestResults   `json:"testResults"`
	Feedback  string        `json:"feedback,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Outcome   string        `json:"outcome,omitempty"` // pass, fail, retry, skip
}
