package model

import (
	"errors"
)

var (
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrUnsupportedVersion = errors.New("config version is not supported, expected 0")
)
