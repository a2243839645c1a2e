package agent

import "fmt"

// UnsupportedActionError reports an action name absent from an agent's
// dispatch table. It is a fatal task/step failure, never retried.
type UnsupportedActionError struct {
	Agent  string
	Action string
}

func (e *UnsupportedActionError) Error() string {
	return fmt.Sprintf("agent %s does not support action %q", e.Agent, e.Action)
}
