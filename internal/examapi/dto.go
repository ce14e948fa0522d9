package examapi

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/stemsi/exstem-proctor/internal/model"
)

type examDTO struct {
	MongoID         string          `json:"_id"`
	ID              string          `json:"id"`
	Title           string          `json:"title"`
	DurationMinutes int             `json:"duration_minutes"`
	ScheduleStart   apiTime         `json:"schedule_start"`
	AccessEnd       *apiTime        `json:"exam_access_end_time"`
	Questions       []questionDTO   `json:"questions"`
	AntiCheat       json.RawMessage `json:"anti_cheat_config"`
}

type questionDTO struct {
	ID      string   `json:"id"`
	Text    string   `json:"text"`
	Type    string   `json:"type"`
	Options []string `json:"options"`
	Marks   *int     `json:"marks"`
}

func (d examDTO) toModel(requested string) *model.Exam {
	exam := &model.Exam{
		ID:              firstNonEmpty(d.MongoID, d.ID, requested),
		Title:           d.Title,
		DurationMinutes: d.DurationMinutes,
		ScheduleStart:   d.ScheduleStart.Time,
		Questions:       make([]model.Question, 0, len(d.Questions)),
		AntiCheat:       decodeAntiCheat(d.AntiCheat),
	}
	if d.AccessEnd != nil && !d.AccessEnd.IsZero() {
		end := d.AccessEnd.Time
		exam.AccessEnd = &end
	}

	for _, q := range d.Questions {
		typ := model.QuestionType(q.Type)
		if typ == "" {
			typ = model.QuestionTypeMultipleChoice
		}
		marks := 1
		if q.Marks != nil {
			marks = *q.Marks
		}
		exam.Questions = append(exam.Questions, model.Question{
			ID:      q.ID,
			Text:    q.Text,
			Type:    typ,
			Options: q.Options,
			Marks:   marks,
		})
	}
	return exam
}

// decodeAntiCheat starts from the default rule set so missing keys keep
// their default values.
func decodeAntiCheat(raw json.RawMessage) model.AntiCheatConfig {
	cfg := model.DefaultAntiCheatConfig()
	if len(raw) == 0 || string(raw) == "null" {
		return cfg
	}
	_ = json.Unmarshal(raw, &cfg)
	return cfg
}

// apiTime accepts RFC 3339 and the naive ISO timestamps the exam API
// emits for UTC values.
type apiTime struct {
	time.Time
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func (t *apiTime) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		return nil
	}
	if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
		t.Time = parsed.UTC()
		return nil
	}
	var lastErr error
	for _, layout := range naiveLayouts {
		parsed, err := time.ParseInLocation(layout, s, time.UTC)
		if err == nil {
			t.Time = parsed
			return nil
		}
		lastErr = err
	}
	return lastErr
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
