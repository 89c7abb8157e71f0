package domain

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidProvider = errors.New("invalid provider")
	ErrInvalidQuantity = errors.New("invalid quantity")
	ErrProviderFailure = errors.New("provider failure")
	ErrStore           = errors.New("record store error")
)
