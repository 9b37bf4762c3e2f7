package change

// Result is the outcome of one change within a phase.
type Result struct {
	ID      string  `json:"id"`
	Outcome Outcome `json:"outcome"`
	Error   string  `json:"error,omitempty"`
}

// Phase lists, in order, every change selected for one pass over the set.
type Phase struct {
	Mode    Mode     `json:"mode"`
	Results []Result `json:"results"`
}

// Report describes one change set run.
type Report struct {
	RunID     string  `json:"run_id"`
	ChangeSet string  `json:"changeset"`
	Filter    string  `json:"filter"`
	Phases    []Phase `json:"phases"`
}

// Count returns how many results across all phases have outcome o.
func (r *Report) Count(o Outcome) int {
	n := 0
	for _, p := range r.Phases {
		for _, res := range p.Results {
			if res.Outcome == o {
				n++
			}
		}
	}
	return n
}

// Last returns the final phase, or nil if no phase ran.
func (r *Report) Last() *Phase {
	if len(r.Phases) == 0 {
		return nil
	}
	return &r.Phases[len(r.Phases)-1]
}
