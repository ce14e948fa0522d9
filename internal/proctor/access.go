package proctor

import (
	"time"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// CheckAccessWindow reports whether an attempt may start at now.
func CheckAccessWindow(exam *model.Exam, now time.Time) error {
	if now.Before(exam.ScheduleStart) {
		return ErrExamNotOpen
	}
	if exam.AccessEnd != nil && now.After(*exam.AccessEnd) {
		return ErrExamClosed
	}
	return nil
}
