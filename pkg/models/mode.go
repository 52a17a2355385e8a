package models

import "fmt"

// Mode selects the participant model set and the chairman model for a job.
type Mode string

const (
	// ModeLite uses the smaller, faster participant set.
	ModeLite Mode = "lite"
	// ModeUltra uses the larger participant set and chairman.
	ModeUltra Mode = "ultra"
)

// Validate returns an error if the mode is not a known value.
func (m Mode) Validate() error {
	switch m {
	case ModeLite, ModeUltra:
		return nil
	default:
		return fmt.Errorf("invalid mode: %q", string(m))
	}
}
