package services

import (
	"errors"

	"github.com/saeid-a/EstateHubBack/internal/repository"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
	ErrInvalidInput    = errors.New("invalid input")
	ErrConflict        = errors.New("conflict")
)

// notFoundOr maps a missing row to ErrNotFound and passes other errors through.
func notFoundOr(err error) error {
	if repository.IsNoRows(err) {
		return ErrNotFound
	}
	return err
}
