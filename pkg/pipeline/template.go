package pipeline

// Step is a leaf node of the workflow template.
type Step struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
	Goal  string `json:"goal,omitempty"`
	Focus string `json:"focus,omitempty"`
}

// Stage is an ordered group of steps.
type Stage struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
	Goal  string `json:"goal,omitempty"`
	Focus string `json:"focus,omitempty"`
	Steps []Step `json:"steps"`
}

// Template is the full workflow tree: ordered stages of ordered steps.
type Template struct {
	ID     string  `json:"id,omitempty"`
	Title  string  `json:"title,omitempty"`
	Goal   string  `json:"goal,omitempty"`
	Stages []Stage `json:"stages"`
}

// Clone returns a deep copy of the template.
func (t Template) Clone() Template {
	out := Template{
		ID:     t.ID,
		Title:  t.Title,
		Goal:   t.Goal,
		Stages: make([]Stage, len(t.Stages)),
	}
	for i, stage := range t.Stages {
		copied := stage
		copied.Steps = append([]Step(nil), stage.Steps...)
		out.Stages[i] = copied
	}
	return out
}

// IsEmpty reports whether the template has no stages.
func (t Template) IsEmpty() bool {
	return len(t.Stages) == 0
}

// Descriptor is the user problem definition that seeds a run. When
// Template is nil the engine starts with an empty template and expects the
// planner to return a workflow_update populating it.
type Descriptor struct {
	ProblemName        string    `json:"problem_name"`
	UserGoal           string    `json:"user_goal"`
	ProblemDescription string    `json:"problem_description"`
	ContextDescription string    `json:"context_description"`
	Template           *Template `json:"template,omitempty"`
}
