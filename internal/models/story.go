package models

import "errors"

// StoryStatus is the lifecycle status of a story. Stories are never
// deleted, only transitioned.
type StoryStatus string

const (
	StoryPending StoryStatus = "pending"
	StoryPassed  StoryStatus = "passed"
	StorySkipped StoryStatus = "skipped"
)

// Story is the pipeline's working copy of one PRD story. The source of
// truth is the PRD document; this projection lives in the lease store and
// is periodically flushed back.
type Story struct {
	ID                 string      `json:"id"`
	Title              string      `json:"title"`
	Description        string      `json:"description"`
	AcceptanceCriteria []string    `json:"acceptanceCriteria"`
	Status             StoryStatus `json:"status"`
}

// Validate checks the story has the required identifying fields.
func (s *Story) Validate() error {
	if s.ID == "" {
		return errors.New("story id is required")
	}
	if s.Title == "" {
		return errors.New("story title is required")
	}
	return nil
}

// IsPending reports whether the story is still eligible for dispatch.
func (s *Story) IsPending() bool {
	return s.Status == StoryPending || s.Status == ""
}

// ValidTransition reports whether a status transition is allowed.
// Pending may move to passed or skipped; terminal states never move.
func ValidTransition(from, to StoryStatus) bool {
	if from == "" {
		from = StoryPending
	}
	if from != StoryPending {
		return false
	}
	return to == StoryPassed || to == StorySkipped
}

// NextPending returns the first pending story in declaration order, or
// nil when none remain.
func NextPending(stories []Story) *Story {
	for i := range stories {
		if stories[i].IsPending() {
			return &stories[i]
		}
	}
	return nil
}
