package domain

import "errors"

var ErrInvalidRating = errors.New("rating must be between 1 and 5")

// SessionSummary is produced exactly once at call end and handed to the
// surrounding application via a single callback.
type SessionSummary struct {
	DurationSeconds int    `json:"duration_seconds"`
	Rating          int    `json:"rating,omitempty"`
	Feedback        string `json:"feedback,omitempty"`
}

// WithRating returns a copy carrying the participant's rating and
// feedback. The summary itself stays immutable.
func (s SessionSummary) WithRating(rating int, feedback string) (SessionSummary, error) {
	if rating < 1 || rating > 5 {
		return s, ErrInvalidRating
	}
	s.Rating = rating
	s.Feedback = feedback
	return s, nil
}
