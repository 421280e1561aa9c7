package collector

import (
	"fmt"
	"log"
)

// State is a per-source collection phase.
type State string

const (
	StatePending      State = "PENDING"
	StateFetching     State = "FETCHING"
	StateParsing      State = "PARSING"
	StateUpserting    State = "UPSERTING"
	StateSourceDone   State = "SOURCE_DONE"
	StateSourceFailed State = "SOURCE_FAILED"
)

// legal transitions; anything else is a programming bug, not a data problem.
var transitions = map[State][]State{
	StatePending:   {StateFetching},
	StateFetching:  {StateParsing, StateSourceDone, StateSourceFailed},
	StateParsing:   {StateUpserting, StateSourceFailed},
	StateUpserting: {StateSourceDone, StateSourceFailed},
}

// machine tracks one source's progress through the collection phases.
type machine struct {
	sourceID string
	state    State
}

func newMachine(sourceID string) *machine {
	return &machine{sourceID: sourceID, state: StatePending}
}

// to advances to next, or logs an invariant violation and returns an error
// that fails this source only.
func (m *machine) to(next State) error {
	for _, ok := range transitions[m.state] {
		if ok == next {
			m.state = next
			return nil
		}
	}
	from := m.state
	log.Printf("collector: INVARIANT VIOLATION: source=%s illegal transition %s -> %s",
		m.sourceID, from, next)
	m.state = StateSourceFailed
	return fmt.Errorf("collector: illegal state transition %s -> %s", from, next)
}
