package models

import "time"

// ToolRanking scores one tool's performance across a loop.
type ToolRanking struct {
	Tool        string  `json:"tool"`
	PassRate    float64 `json:"passRate"`
	AvgAttempts float64 `json:"avgAttempts"`
	Uses        int     `json:"uses"`
	Passes      int     `json:"passes"`
}

// Recommendations is the machine-readable artifact written at loop
// completion and read by the next loop's Implement stage as advisory
// context. It must never be required for correctness.
type Recommendations struct {
	ToolRankings        []ToolRanking `json:"toolRankings"`
	RetryPatterns       []string      `json:"retryPatterns"`
	SuggestedRetryLadder []string     `json:"suggestedRetryLadder"`
	LastUpdated         time.Time     `json:"lastUpdated"`
	SourceLoopID        string        `json:"sourceLoopId"`
}

// StoryOutcome is one row of the per-story table in a retrospective.
type StoryOutcome struct {
	StoryID  string `json:"storyId"`
	Title    string `json:"title,omitempty"`
	Attempts int    `json:"attempts"`
	Tools    []string `json:"tools"`
	Outcome  string `json:"outcome"` // passed, skipped, pending
}

// RetrospectiveReport is the per-loop aggregate built at completion.
type RetrospectiveReport struct {
	LoopID           string          `json:"loopId"`
	Project          string          `json:"project"`
	StoriesCompleted int             `json:"storiesCompleted"`
	StoriesFailed    int             `json:"storiesFailed"`
	StoriesSkipped   int             `json:"storiesSkipped"`
	Stories          []StoryOutcome  `json:"stories"`
	Narrative        string          `json:"narrative"`
	Recommendations  Recommendations `json:"recommendations"`
	GeneratedAt      time.Time       `json:"generatedAt"`
}
