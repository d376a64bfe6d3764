package model

import (
	"fmt"
	"strings"
)

// Stage is one step of the processing pipeline. Stages are totally ordered:
// a higher value means a later step.
type Stage int

const (
	StageInput Stage = iota
	StageRemoveBG
	StageComposite
	StageCrop
)

var stageNames = [...]string{
	StageInput:     "input",
	StageRemoveBG:  "remove_bg",
	StageComposite: "composite",
	StageCrop:      "crop",
}

// stageAliases maps legacy stage names onto their canonical stage.
var stageAliases = map[string]Stage{
	"text2image": StageComposite,
}

// Stages returns every stage in pipeline order.
func Stages() []Stage {
	return []Stage{StageInput, StageRemoveBG, StageComposite, StageCrop}
}

// ParseStage validates a stage name received at the boundary.
func ParseStage(s string) (Stage, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range stageNames {
		if n == name {
			return Stage(i), nil
		}
	}
	if st, ok := stageAliases[name]; ok {
		return st, nil
	}
	return 0, fmt.Errorf("unknown pipeline stage %q", s)
}

// Valid reports whether s is one of the declared stages.
func (s Stage) Valid() bool {
	return s >= StageInput && s <= StageCrop
}

func (s Stage) String() string {
	if !s.Valid() {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// MarshalText implements encoding.TextMarshaler.
func (s Stage) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid stage %d", int(s))
	}
	return []byte(stageNames[s]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Stage) UnmarshalText(text []byte) error {
	st, err := ParseStage(string(text))
	if err != nil {
		return err
	}
	*s = st
	return nil
}
