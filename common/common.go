package common

import "errors"

var (
	ErrNoServer = errors.New("server not started")
)
