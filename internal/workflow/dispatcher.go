package workflow

import (
	"fmt"
	"sort"

	"intakeline/internal/config"
	"intakeline/internal/domain"
)

// Dispatcher answers routing questions against the pipeline table: which
// agent owns a state, and where a successful run moves the project. It is the
// only consumer of transition legality; the data layer below records whatever
// it is told.
type Dispatcher struct {
	stages map[string]config.PipelineStage
}

func NewDispatcher(cfg *config.Config) (Dispatcher, error) {
	if cfg == nil || len(cfg.Pipeline) == 0 {
		return Dispatcher{}, fmt.Errorf("pipeline configuration is empty")
	}
	stages := make(map[string]config.PipelineStage, len(cfg.Pipeline))
	for state, stage := range cfg.Pipeline {
		if !domain.ValidState(state) {
			return Dispatcher{}, fmt.Errorf("pipeline references unknown state %s", state)
		}
		stages[state] = stage
	}
	return Dispatcher{stages: stages}, nil
}

// AgentFor returns the agent that processes projects sitting in the given
// state, or "" when the state waits on a human or the client.
func (d Dispatcher) AgentFor(state string) string {
	return d.stages[state].Agent
}

// NextState returns where a successful agent run moves a project from the
// given state. Empty for terminal and unconfigured states.
func (d Dispatcher) NextState(state string) string {
	return d.stages[state].Next
}

// Allowed reports whether the pipeline permits moving from one state to the
// other. Terminal states allow nothing.
func (d Dispatcher) Allowed(from, to string) bool {
	stage, ok := d.stages[from]
	if !ok {
		return false
	}
	return stage.Next == to
}

// AutoStates lists the states an agent is registered to process, sorted for
// stable polling queries.
func (d Dispatcher) AutoStates() []string {
	var states []string
	for state, stage := range d.stages {
		if stage.Agent != "" && stage.Next != "" {
			states = append(states, state)
		}
	}
	sort.Strings(states)
	return states
}

// Stages returns a copy of the pipeline table for reporting surfaces.
func (d Dispatcher) Stages() map[string]config.PipelineStage {
	out := make(map[string]config.PipelineStage, len(d.stages))
	for k, v := range d.stages {
		out[k] = v
	}
	return out
}
