package engine

// roundLosers returns, in slot order, the active players who lose a life this round.
func roundLosers(s *State) []string {
	switch s.Rules.Variant {
	case VariantHeadToHead:
		return headToHeadLosers(s)
	default:
		return targetMatchLosers(s)
	}
}

func targetMatchLosers(s *State) []string {
	r := s.Round
	if r.Target == nil {
		return nil
	}
	var losers []string
	for _, p := range s.ActivePlayers() {
		res, ok := r.Results[p.Address]
		if ok && res.Outcome != *r.Target {
			losers = append(losers, p.Address)
		}
	}
	return losers
}

// headToHeadLosers picks the unique lowest score. A tie at the bottom eliminates nobody.
func headToHeadLosers(s *State) []string {
	r := s.Round
	var (
		loser  string
		lowest float64
		tied   bool
	)
	for _, p := range s.ActivePlayers() {
		res, ok := r.Results[p.Address]
		if !ok {
			continue
		}
		switch {
		case loser == "" || res.Score < lowest:
			loser, lowest, tied = p.Address, res.Score, false
		case res.Score == lowest:
			tied = true
		}
	}
	if loser == "" || tied {
		return nil
	}
	return []string{loser}
}
