package app

import "errors"

var (
	ErrNotStarted = errors.New("app not started")
	ErrJobsFailed = errors.New("jobs failed")
)
