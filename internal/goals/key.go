package goals

import "fmt"

// Key identifies a goal within a goal set. Preconditions are stored as keys
// and resolved against sibling events at evaluation time.
type Key struct {
	GoalSet     string      `json:"goalSet"`
	Environment Environment `json:"environment"`
	Name        string      `json:"name"`
}

func (k Key) Equal(o Key) bool {
	return k.GoalSet == o.GoalSet && k.Environment == o.Environment && k.Name == o.Name
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s%s", k.GoalSet, k.Environment, k.Name)
}

// EventKey is the point lookup key of a persisted goal event.
type EventKey struct {
	GoalSetID   string      `json:"goalSetId"`
	Environment Environment `json:"environment"`
	Name        string      `json:"name"`
	SHA         string      `json:"sha"`
}

// Key drops the commit from the event key.
func (k EventKey) Key() Key {
	return Key{GoalSet: k.GoalSetID, Environment: k.Environment, Name: k.Name}
}

func (k EventKey) String() string {
	return fmt.Sprintf("%s/%s%s@%s", k.GoalSetID, k.Environment, k.Name, k.SHA)
}

// FindByKey returns the first event in events matching key, or nil.
func FindByKey(key Key, events []*GoalEvent) *GoalEvent {
	for _, e := range events {
		if e.Key().Equal(key) {
			return e
		}
	}
	return nil
}
