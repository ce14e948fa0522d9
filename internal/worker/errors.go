package worker

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

// isDataError reports whether err comes from the row itself rather than the
// connection, so retrying the same row cannot help.
func isDataError(err error) bool {
	if errors.Is(err, repository.ErrInvalidSessionID) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 22 is data exceptions, class 23 integrity constraint violations.
		return len(pgErr.Code) == 5 && (pgErr.Code[:2] == "22" || pgErr.Code[:2] == "23")
	}
	return false
}
