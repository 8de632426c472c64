package session

import "encoding/json"

// State tracks where a session is in its lifecycle. Sessions start Idle,
// become Active while a relay is running, and sit in Draining between the
// last subscriber leaving and eviction from the registry.
type State int

const (
	Idle State = iota
	Active
	Draining
)

var stateNames = map[State]string{
	Idle:     "idle",
	Active:   "active",
	Draining: "draining",
}

var stateFromName = map[string]State{
	"idle":     Idle,
	"active":   Active,
	"draining": Draining,
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	if v, ok := stateFromName[name]; ok {
		*s = v
	}
	return nil
}
