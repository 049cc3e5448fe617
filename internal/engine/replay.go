package engine

import "fmt"

// Replay rebuilds the projection from the initial state and the log of accepted commands.
func Replay(initial State, log []Command) (State, []Event, error) {
	s := initial
	var all []Event
	for i, cmd := range log {
		events, next, err := Apply(s, cmd)
		if err != nil {
			return s, all, fmt.Errorf("replay command %d (%s): %w", i, cmd.Type, err)
		}
		s = next
		all = append(all, events...)
	}
	return s, all, nil
}
