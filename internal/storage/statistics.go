package storage

// Statistics summarises closed sessions. Breakeven sessions count towards
// TotalSessions only.
type Statistics struct {
	TotalSessions   int     `json:"total_sessions"`
	WinningSessions int     `json:"winning_sessions"`
	LosingSessions  int     `json:"losing_sessions"`
	WinRate         float64 `json:"win_rate"`
	TotalPnL        float64 `json:"total_pnl"`
	AverageWin      float64 `json:"average_win"`
	AverageLoss     float64 `json:"average_loss"`
	MaxDrawdown     float64 `json:"max_drawdown"`
	CurrentStreak   int     `json:"current_streak"`
}

func (s *Statistics) add(pnl float64) {
	s.TotalSessions++
	s.TotalPnL += pnl

	switch {
	case pnl > 0:
		s.WinningSessions++
		s.AverageWin += (pnl - s.AverageWin) / float64(s.WinningSessions)
		if s.CurrentStreak >= 0 {
			s.CurrentStreak++
		} else {
			s.CurrentStreak = 1
		}
	case pnl < 0:
		s.LosingSessions++
		s.AverageLoss += (pnl - s.AverageLoss) / float64(s.LosingSessions)
		if s.CurrentStreak <= 0 {
			s.CurrentStreak--
		} else {
			s.CurrentStreak = -1
		}
		if pnl < s.MaxDrawdown {
			s.MaxDrawdown = pnl
		}
	}

	if decided := s.WinningSessions + s.LosingSessions; decided > 0 {
		s.WinRate = float64(s.WinningSessions) / float64(decided) * 100
	}
}

func (s *Statistics) clone() *Statistics {
	c := *s
	return &c
}
