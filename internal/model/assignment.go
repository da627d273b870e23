package model

import (
	"time"

	"github.com/google/uuid"
)

// Assignment grants an identity access to an exam.
type Assignment struct {
	IdentityID      string     `json:"identity_id"`
	ExamID          uuid.UUID  `json:"exam_id"`
	AssignedAt      time.Time  `json:"assigned_at"`
	DueAt           *time.Time `json:"due_at,omitempty"`
	AttemptsAllowed int        `json:"attempts_allowed"`
}

// IsOpen reports whether the assignment still accepts new attempts at now.
func (a *Assignment) IsOpen(now time.Time) bool {
	return a.DueAt == nil || !now.After(*a.DueAt)
}

// Unlimited reports whether the assignment caps the number of submitted attempts.
func (a *Assignment) Unlimited() bool {
	return a.AttemptsAllowed <= 0
}
