package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"golang.org/x/sync/singleflight"
)

// ExamSource loads exam definitions from the authoring backend.
type ExamSource interface {
	GetExam(ctx context.Context, examID string) (*model.Exam, error)
}

// ExamService serves exam definitions through a Redis read-through cache.
type ExamService struct {
	source ExamSource
	rdb    *redis.Client
	ttl    time.Duration
	group  singleflight.Group
	log    zerolog.Logger
}

func NewExamService(source ExamSource, rdb *redis.Client, ttl time.Duration, log zerolog.Logger) *ExamService {
	return &ExamService{
		source: source,
		rdb:    rdb,
		ttl:    ttl,
		log:    log.With().Str("component", "exam_service").Logger(),
	}
}

// GetExam returns the cached definition or loads it once for all concurrent callers.
func (s *ExamService) GetExam(ctx context.Context, examID string) (*model.Exam, error) {
	exam, err := s.cached(ctx, examID)
	if err == nil {
		return exam, nil
	}
	if !errors.Is(err, redis.Nil) {
		s.log.Warn().Err(err).Str("exam_id", examID).Msg("Exam cache read failed, loading from API")
	}

	v, err, _ := s.group.Do(examID, func() (interface{}, error) {
		exam, err := s.source.GetExam(ctx, examID)
		if err != nil {
			return nil, err
		}
		s.store(ctx, examID, exam)
		return exam, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Exam), nil
}

// Invalidate drops the cached definition so the next read hits the API.
func (s *ExamService) Invalidate(ctx context.Context, examID string) error {
	return s.rdb.Del(ctx, config.CacheKey.ExamDefinitionKey(examID)).Err()
}

func (s *ExamService) cached(ctx context.Context, examID string) (*model.Exam, error) {
	data, err := s.rdb.Get(ctx, config.CacheKey.ExamDefinitionKey(examID)).Bytes()
	if err != nil {
		return nil, err
	}
	var exam model.Exam
	if err := json.Unmarshal(data, &exam); err != nil {
		return nil, fmt.Errorf("unmarshal cached exam: %w", err)
	}
	return &exam, nil
}

func (s *ExamService) store(ctx context.Context, examID string, exam *model.Exam) {
	data, err := json.Marshal(exam)
	if err != nil {
		s.log.Error().Err(err).Str("exam_id", examID).Msg("Marshal exam for cache failed")
		return
	}
	if err := s.rdb.Set(ctx, config.CacheKey.ExamDefinitionKey(examID), data, s.ttl).Err(); err != nil {
		s.log.Warn().Err(err).Str("exam_id", examID).Msg("Exam cache write failed")
		return
	}
	s.log.Debug().Str("exam_id", examID).Int("questions", len(exam.Questions)).Msg("Exam cached")
}
