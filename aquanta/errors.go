package aquanta

import (
	"errors"
	"fmt"
)

var (
	ErrNoCookie    = errors.New("no cookies received")
	ErrNoToken     = errors.New("no identity token received")
	ErrStaticLogin = errors.New("static cookie cannot be renewed")
)

// AuthError indicates a failed login step or a login that produced no usable credential
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

func authError(op string, err error) error {
	return &AuthError{Op: op, Err: err}
}
