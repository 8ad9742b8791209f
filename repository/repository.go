package repository

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/crypto_settlement/errs"
)

// translate maps gorm errors onto the settlement taxonomy.
func translate(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%s: %w", what, errs.ErrNotFound)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%s: %w: %w", what, errs.ErrInvalidState, err)
	default:
		return fmt.Errorf("%s: %w", what, err)
	}
}

// keyset orders q by primary key and skips rows up to and including after.
func keyset(q *gorm.DB, after string) *gorm.DB {
	if after != "" {
		q = q.Where("id > ?", after)
	}
	return q.Order("id asc")
}

// Page is a 1-based page request. Zero values fall back to page 1 of 20.
type Page struct {
	Page  int
	Limit int
}

const maxPageLimit = 100

// Normalize applies the defaults and the page size cap.
func (p Page) Normalize() Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit < 1 {
		p.Limit = 20
	}
	if p.Limit > maxPageLimit {
		p.Limit = maxPageLimit
	}
	return p
}

func (p Page) offset() int {
	return (p.Page - 1) * p.Limit
}

// TotalPages is the number of pages of size limit needed for total rows.
func TotalPages(total int64, limit int) int64 {
	if limit <= 0 {
		return 0
	}
	return (total + int64(limit) - 1) / int64(limit)
}
