package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

type fakeViolationStore struct {
	copyErr  error
	inserted []model.Violation
}

func (s *fakeViolationStore) CopyBatch(ctx context.Context, batch []model.Violation) (int64, error) {
	if s.copyErr != nil {
		return 0, s.copyErr
	}
	s.inserted = append(s.inserted, batch...)
	return int64(len(batch)), nil
}

func (s *fakeViolationStore) Insert(ctx context.Context, v model.Violation) error {
	if v.SessionID == "not-a-uuid" {
		return repository.ErrInvalidSessionID
	}
	s.inserted = append(s.inserted, v)
	return nil
}

func TestViolationWorker_FlushUsesCopy(t *testing.T) {
	store := &fakeViolationStore{}
	w := NewViolationWorker(store, nil, zerolog.Nop())

	w.flushSafe(context.Background(), []model.Violation{{SessionID: "a"}, {SessionID: "b"}})
	assert.Len(t, store.inserted, 2)
}

func TestViolationWorker_FallbackDropsBadRows(t *testing.T) {
	store := &fakeViolationStore{copyErr: repository.ErrInvalidSessionID}
	w := NewViolationWorker(store, nil, zerolog.Nop())

	w.flushSafe(context.Background(), []model.Violation{
		{SessionID: "5b0c7d34-9c3f-4d53-8f4e-2f0d7f0b9a11", Kind: model.ViolationTabHidden},
		{SessionID: "not-a-uuid", Kind: model.ViolationFullscreenExit},
	})

	assert.Len(t, store.inserted, 1)
	assert.Equal(t, model.ViolationTabHidden, store.inserted[0].Kind)
}

func TestIsDataError(t *testing.T) {
	assert.True(t, isDataError(repository.ErrInvalidSessionID))
	assert.True(t, isDataError(&pgconn.PgError{Code: "23505"}))
	assert.True(t, isDataError(&pgconn.PgError{Code: "22P02"}))
	assert.False(t, isDataError(&pgconn.PgError{Code: "57P01"}))
	assert.False(t, isDataError(errors.New("connection reset")))
}

func TestLatestPerSession(t *testing.T) {
	got := latestPerSession([]model.AttemptOutcome{
		{SessionID: "a", Delivery: "pending"},
		{SessionID: "b", Delivery: "delivered"},
		{SessionID: "a", Delivery: "queued"},
	})

	assert.Equal(t, []model.AttemptOutcome{
		{SessionID: "a", Delivery: "queued"},
		{SessionID: "b", Delivery: "delivered"},
	}, got)
}
