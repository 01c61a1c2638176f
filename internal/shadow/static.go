package shadow

import "context"

// StaticSource is a fixed reference engine. Subjects listed in PerSubject get
// their own decision; everything else gets Default.
type StaticSource struct {
	Default    Decision
	PerSubject map[string]Decision
}

// NewStaticSource returns a neutral mid-scale reference.
func NewStaticSource() *StaticSource {
	return &StaticSource{
		Default: Decision{Action: ActionNeutral, Evidence: 50, Risk: 50, Coverage: 50, Confidence: 50},
	}
}

func (s *StaticSource) Decide(_ context.Context, subject, _ string) (Decision, error) {
	if d, ok := s.PerSubject[subject]; ok {
		return d, nil
	}
	return s.Default, nil
}
