package seir

import "testing"

func rowsAt(ts ...float64) []Row {
	rows := make([]Row, len(ts))
	for i, t := range ts {
		rows[i] = Row{T: t}
	}
	return rows
}

func TestSampleRows(t *testing.T) {
	t.Parallel()

	rows := rowsAt(0, 1, 2, 3, 4, 5, 6)

	tests := []struct {
		name  string
		every int
		want  []float64
	}{
		{"all", 1, []float64{0, 1, 2, 3, 4, 5, 6}},
		{"zero means all", 0, []float64{0, 1, 2, 3, 4, 5, 6}},
		{"every 3 lands on last", 3, []float64{0, 3, 6}},
		{"every 4 keeps last", 4, []float64{0, 4, 6}},
		{"larger than length", 100, []float64{0, 6}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := SampleRows(rows, tt.every)
			if len(got) != len(tt.want) {
				t.Fatalf("len = %d, want %d (%v)", len(got), len(tt.want), got)
			}
			for i := range got {
				if got[i].T != tt.want[i] {
					t.Errorf("row %d T = %v, want %v", i, got[i].T, tt.want[i])
				}
			}
		})
	}

	if got := SampleRows(nil, 5); len(got) != 0 {
		t.Errorf("SampleRows(nil) = %v, want empty", got)
	}
}

func TestTrajectorySummary(t *testing.T) {
	t.Parallel()

	tr := &Trajectory{
		Eps:       1,
		Converged: true,
		Rows: []Row{
			{T: 0, S: 0.9, E: 0.05, I: 0.05, R: 0},
			{T: 1, S: 0.7, E: 0.15, I: 0.1, R: 0.05},
			{T: 2, S: 0.6, E: 0.1, I: 0.2, R: 0.1},
			{T: 3, S: 0.55, E: 0.0, I: 0.0, R: 0.44},
		},
	}

	s := tr.Summary()
	if s.Steps != 4 || !s.Converged {
		t.Errorf("Steps/Converged = %d/%v, want 4/true", s.Steps, s.Converged)
	}
	if s.PeakI != 0.2 || s.PeakIT != 2 {
		t.Errorf("peak I = %v at %v, want 0.2 at 2", s.PeakI, s.PeakIT)
	}
	if s.PeakE != 0.15 || s.PeakET != 1 {
		t.Errorf("peak E = %v at %v, want 0.15 at 1", s.PeakE, s.PeakET)
	}
	if s.FinalS != 0.55 || s.FinalR != 0.44 || s.Days != 3 {
		t.Errorf("final = %+v", s)
	}
	if d := s.AttackRate - 0.35; d > 1e-12 || d < -1e-12 {
		t.Errorf("AttackRate = %v, want 0.35", s.AttackRate)
	}
	if d := s.MassLoss - 0.01; d > 1e-12 || d < -1e-12 {
		t.Errorf("MassLoss = %v, want 0.01", s.MassLoss)
	}

	empty := (&Trajectory{}).Summary()
	if empty.Steps != 0 || empty.PeakI != 0 {
		t.Errorf("empty summary = %+v", empty)
	}
}
