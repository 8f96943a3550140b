package kernel_blob

import "zombiefinder/kernel"

// Elevator records elevation and revert calls
type Elevator struct {
	Fail       error
	FailRevert error

	Elevated int
	Reverted int
}

var _ kernel.Elevator = (*Elevator)(nil)

func (e *Elevator) Elevate() (kernel.Revert, error) {
	if e.Fail != nil {
		return nil, e.Fail
	}
	e.Elevated++
	return func() error {
		e.Reverted++
		return e.FailRevert
	}, nil
}

// Active reports whether an elevation is still in effect
func (e *Elevator) Active() bool {
	return e.Elevated > e.Reverted
}
