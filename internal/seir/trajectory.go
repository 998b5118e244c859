package seir

// Row is one recorded step: time in days and the population fraction in each
// compartment (E and I are totals over their sub-compartments).
type Row struct {
	T float64 `json:"t"`
	S float64 `json:"S"`
	E float64 `json:"E"`
	I float64 `json:"I"`
	R float64 `json:"R"`
}

// Total is S+E+I+R. It sits slightly below 1 because discretized dwell
// times drop their tail mass.
func (r Row) Total() float64 {
	return r.S + r.E + r.I + r.R
}

// Trajectory is the ordered output of a run.
type Trajectory struct {
	Rows      []Row   `json:"rows"`
	Eps       float64 `json:"eps"`
	Converged bool    `json:"converged"` // false when the run stopped at the step cap
}

// Summary condenses a trajectory into the figures reported per run.
type Summary struct {
	Steps      int     `json:"steps"`
	Days       float64 `json:"days"`
	Converged  bool    `json:"converged"`
	PeakI      float64 `json:"peak_i"`
	PeakIT     float64 `json:"peak_i_t"`
	PeakE      float64 `json:"peak_e"`
	PeakET     float64 `json:"peak_e_t"`
	FinalS     float64 `json:"final_s"`
	FinalR     float64 `json:"final_r"`
	// AttackRate is the share infected by transmission, S at t=0 minus final S.
	AttackRate float64 `json:"attack_rate"`
	MassLoss   float64 `json:"mass_loss"` // 1 - (S+E+I+R) at the last step
	ExposedN   int     `json:"exposed_compartments"`
	InfectedN  int     `json:"infected_compartments"`
	R0         float64 `json:"r0"`
	StepProb   float64 `json:"step_prob"`
}

// Summary scans t once. The compartment counts and transmission figures are
// filled in by the Engine.
func (t *Trajectory) Summary() Summary {
	s := Summary{Steps: len(t.Rows), Converged: t.Converged}
	if len(t.Rows) == 0 {
		return s
	}
	for _, r := range t.Rows {
		if r.I > s.PeakI {
			s.PeakI, s.PeakIT = r.I, r.T
		}
		if r.E > s.PeakE {
			s.PeakE, s.PeakET = r.E, r.T
		}
	}
	last := t.Rows[len(t.Rows)-1]
	s.Days = last.T
	s.FinalS = last.S
	s.FinalR = last.R
	s.AttackRate = t.Rows[0].S - last.S
	s.MassLoss = 1 - last.Total()
	return s
}

// Sample keeps every n-th row plus the last one. n <= 1 returns all rows.
func (t *Trajectory) Sample(n int) []Row {
	return SampleRows(t.Rows, n)
}

// SampleRows is Sample for a bare row slice.
func SampleRows(rows []Row, n int) []Row {
	if n <= 1 || len(rows) == 0 {
		return rows
	}
	out := make([]Row, 0, len(rows)/n+2)
	for i := 0; i < len(rows); i += n {
		out = append(out, rows[i])
	}
	if (len(rows)-1)%n != 0 {
		out = append(out, rows[len(rows)-1])
	}
	return out
}
