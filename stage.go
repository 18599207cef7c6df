package medallion

import (
	"errors"

	"golang.org/x/xerrors"
)

// Stage is a layer of the medallion layout.
type Stage string

const (
	StageBronze Stage = "bronze"
	StageSilver Stage = "silver"

	// StageAll runs bronze then silver.
	StageAll Stage = "all"
)

// ErrUnknownStage is returned for stage names other than bronze, silver and all.
var ErrUnknownStage = errors.New("unknown stage")

// ParseStage parses a stage name.
func ParseStage(s string) (Stage, error) {
	switch st := Stage(s); st {
	case StageBronze, StageSilver, StageAll:
		return st, nil
	}

	return "", xerrors.Errorf("%w: %q", ErrUnknownStage, s)
}

func (s Stage) expand() ([]Stage, error) {
	switch s {
	case StageBronze, StageSilver:
		return []Stage{s}, nil
	case StageAll:
		return []Stage{StageBronze, StageSilver}, nil
	}

	return nil, xerrors.Errorf("%w: %q", ErrUnknownStage, string(s))
}
