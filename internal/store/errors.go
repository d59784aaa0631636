package store

import "errors"

var (
	ErrRecordNotFound = errors.New("record not found")
	ErrInvalidBand    = errors.New("band not in {1,2}")
)
