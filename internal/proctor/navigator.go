package proctor

import (
	"sort"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// QuestionStatus is one row of the overview screen.
type QuestionStatus struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Answered bool   `json:"answered"`
	Flagged  bool   `json:"flagged"`
}

// Navigator tracks the current question, answers and flags of one attempt.
// It is not safe for concurrent use; the Monitor owns it.
type Navigator struct {
	questions []model.Question
	current   int
	answers   map[string]string
	flagged   map[int]struct{}
	overview  bool
}

func NewNavigator(questions []model.Question) *Navigator {
	return &Navigator{
		questions: questions,
		answers:   make(map[string]string, len(questions)),
		flagged:   make(map[int]struct{}),
	}
}

func (n *Navigator) Current() int { return n.current }

func (n *Navigator) Count() int { return len(n.questions) }

func (n *Navigator) InOverview() bool { return n.overview }

// Answer stores text for the current question, replacing any earlier answer.
func (n *Navigator) Answer(text string) error {
	q := n.questions[n.current]
	if q.Type == model.QuestionTypeMultipleChoice && text != "" && len(q.Options) > 0 {
		valid := false
		for _, opt := range q.Options {
			if opt == text {
				valid = true
				break
			}
		}
		if !valid {
			return ErrInvalidAnswer
		}
	}
	n.answers[q.ID] = text
	return nil
}

// AnswerFor returns the stored answer for a question id.
func (n *Navigator) AnswerFor(questionID string) (string, bool) {
	a, ok := n.answers[questionID]
	return a, ok
}

// ToggleFlag flips the flag on question idx and returns the new value.
func (n *Navigator) ToggleFlag(idx int) (bool, error) {
	if err := n.check(idx); err != nil {
		return false, err
	}
	if _, ok := n.flagged[idx]; ok {
		delete(n.flagged, idx)
		return false, nil
	}
	n.flagged[idx] = struct{}{}
	return true, nil
}

func (n *Navigator) IsFlagged(idx int) bool {
	_, ok := n.flagged[idx]
	return ok
}

func (n *Navigator) Jump(idx int) error {
	if err := n.check(idx); err != nil {
		return err
	}
	n.current = idx
	return nil
}

func (n *Navigator) EnterOverview() {
	n.overview = true
}

// Resume leaves overview, optionally moving to target first.
func (n *Navigator) Resume(target *int) error {
	if !n.overview {
		return ErrNotInOverview
	}
	if target != nil {
		if err := n.Jump(*target); err != nil {
			return err
		}
	}
	n.overview = false
	return nil
}

// Answers returns a copy of the answer map keyed by question id.
func (n *Navigator) Answers() map[string]string {
	out := make(map[string]string, len(n.answers))
	for k, v := range n.answers {
		out[k] = v
	}
	return out
}

// Flagged returns flagged indices in ascending order.
func (n *Navigator) Flagged() []int {
	out := make([]int, 0, len(n.flagged))
	for idx := range n.flagged {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// Answered counts questions with a non-empty answer.
func (n *Navigator) Answered() int {
	count := 0
	for _, q := range n.questions {
		if n.answers[q.ID] != "" {
			count++
		}
	}
	return count
}

func (n *Navigator) Overview() []QuestionStatus {
	out := make([]QuestionStatus, len(n.questions))
	for i, q := range n.questions {
		out[i] = QuestionStatus{
			Index:    i,
			ID:       q.ID,
			Answered: n.answers[q.ID] != "",
			Flagged:  n.IsFlagged(i),
		}
	}
	return out
}

func (n *Navigator) check(idx int) error {
	if idx < 0 || idx >= len(n.questions) {
		return ErrQuestionOutOfRange
	}
	return nil
}
