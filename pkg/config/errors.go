package config

import (
	"errors"
	"fmt"
)

// ErrInvalid is matched by every configuration validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Error describes a single invalid key.
type Error struct {
	Key string
	Msg string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Key, e.Msg)
}

// Is makes errors.Is(err, ErrInvalid) true for every *Error
func (e *Error) Is(target error) bool {
	return target == ErrInvalid
}
