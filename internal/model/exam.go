package model

import (
	"time"
)

// QuestionType enumerates the answer formats an exam question can take.
type QuestionType string

const (
	QuestionTypeMultipleChoice QuestionType = "mcq"
	QuestionTypeTrueFalse      QuestionType = "true_false"
	QuestionTypeShortAnswer    QuestionType = "short_answer"
	QuestionTypeOneWord        QuestionType = "one_word"
)

// Question is a single exam question as shown to the student (no correct answer).
type Question struct {
	ID      string       `json:"id"`
	Text    string       `json:"text"`
	Type    QuestionType `json:"type"`
	Options []string     `json:"options"`
	Marks   int          `json:"marks"`
}

// AntiCheatConfig lists which integrity rules the exam author enforces.
type AntiCheatConfig struct {
	Fullscreen bool `json:"fullscreen"`
	TabSwitch  bool `json:"tab_switch"`
	CopyPaste  bool `json:"copy_paste"`
	RightClick bool `json:"right_click"`
}

// DefaultAntiCheatConfig mirrors the authoring backend's default rule set.
func DefaultAntiCheatConfig() AntiCheatConfig {
	return AntiCheatConfig{Fullscreen: true, TabSwitch: true}
}

// Exam is an exam definition loaded from the exam API.
type Exam struct {
	ID              string          `json:"id"`
	Title           string          `json:"title"`
	DurationMinutes int             `json:"duration_minutes"`
	ScheduleStart   time.Time       `json:"schedule_start"`
	AccessEnd       *time.Time      `json:"exam_access_end_time,omitempty"`
	Questions       []Question      `json:"questions"`
	AntiCheat       AntiCheatConfig `json:"anti_cheat_config"`
}

// DurationSeconds returns the total attempt length in seconds.
func (e *Exam) DurationSeconds() int {
	return e.DurationMinutes * 60
}

// QuestionIndex returns the position of the question with the given id, or -1.
func (e *Exam) QuestionIndex(id string) int {
	for i, q := range e.Questions {
		if q.ID == id {
			return i
		}
	}
	return -1
}
