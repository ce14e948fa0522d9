// Package examapi talks to the exam authoring backend: it loads exam
// definitions and posts finished responses to the ingest endpoint.
package examapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
)

var (
	ErrExamNotFound     = errors.New("exam not found")
	ErrAlreadySubmitted = errors.New("exam already submitted")
)

// StatusError is a non-2xx answer from the exam API.
type StatusError struct {
	Op     string
	Status int
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, e.Detail)
	}
	return fmt.Sprintf("%s: status %d", e.Op, e.Status)
}

// Permanent reports whether retrying the same request cannot succeed.
func (e *StatusError) Permanent() bool {
	return e.Status >= 400 && e.Status < 500 &&
		e.Status != http.StatusRequestTimeout && e.Status != http.StatusTooManyRequests
}

// IsPermanent reports whether err is a rejection that retries will not fix.
func IsPermanent(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Permanent()
}

type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

func NewClient(baseURL string, timeout time.Duration, log zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		log:     log.With().Str("component", "exam_api").Logger(),
	}
}

// GetExam loads the exam definition. Correct answers are never decoded.
func (c *Client) GetExam(ctx context.Context, examID string) (*model.Exam, error) {
	endpoint := c.baseURL + "/exams/" + url.PathEscape(examID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build exam request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get exam %s: %w", examID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusBadRequest:
		return nil, ErrExamNotFound
	case resp.StatusCode >= 300:
		return nil, readStatusError("get exam", resp)
	}

	var dto examDTO
	if err := json.NewDecoder(resp.Body).Decode(&dto); err != nil {
		return nil, fmt.Errorf("decode exam %s: %w", examID, err)
	}
	return dto.toModel(examID), nil
}

// SubmitResponses posts the records to the ingest endpoint. A rejection
// because the attempt already exists is returned as ErrAlreadySubmitted.
func (c *Client) SubmitResponses(ctx context.Context, records []model.ResponseRecord) error {
	body, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode responses: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/ingest/responses", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build ingest request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post responses: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		c.log.Debug().Int("records", len(records)).Int("status", resp.StatusCode).Msg("Responses ingested")
		return nil
	}

	se := readStatusError("post responses", resp)
	if se.Status == http.StatusBadRequest || se.Status == http.StatusConflict {
		if strings.Contains(strings.ToLower(se.Detail), "already submitted") {
			return fmt.Errorf("%w: %s", ErrAlreadySubmitted, se.Detail)
		}
	}
	return se
}

func readStatusError(op string, resp *http.Response) *StatusError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	se := &StatusError{Op: op, Status: resp.StatusCode}

	var payload struct {
		Detail json.RawMessage `json:"detail"`
	}
	if json.Unmarshal(raw, &payload) == nil && len(payload.Detail) > 0 {
		var s string
		if json.Unmarshal(payload.Detail, &s) == nil {
			se.Detail = s
		} else {
			se.Detail = string(payload.Detail)
		}
	} else {
		se.Detail = strings.TrimSpace(string(raw))
	}
	return se
}
