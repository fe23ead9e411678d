package agent

// Routing is a set of pure functions over State. None of them mutate it.

// afterClassify routes to the planner when tools are needed.
func afterClassify(s *State) Node {
	switch {
	case s.Err != nil:
		return NodeError
	case s.NeedsTool:
		return NodePlan
	default:
		return NodeFinalize
	}
}

// afterPlan routes a valid plan to the executor and an empty one straight to
// the final answer.
func afterPlan(s *State) Node {
	switch {
	case s.Err != nil:
		return NodeError
	case len(s.Plan) > 0:
		return NodeExecute
	default:
		return NodeFinalize
	}
}

// afterExecute sends a failed step to the re-planner while budget remains.
// At the ceiling the failure goes to the error handler without another
// re-planner call.
func afterExecute(s *State, ceiling int) Node {
	switch {
	case s.Err != nil:
		return NodeError
	case s.LastStepFailed() && s.ReplanCount >= ceiling:
		return NodeError
	case s.LastStepFailed():
		return NodeReplan
	case len(s.Plan) > 0:
		return NodeExecute
	default:
		return NodeFinalize
	}
}

func afterReplan(s *State) Node {
	if s.Err != nil {
		return NodeError
	}
	return NodeExecute
}

func afterFinalize(s *State) Node {
	if s.Err != nil {
		return NodeError
	}
	return NodeEnd
}

// next returns the node that follows from.
func next(from Node, s *State, ceiling int) Node {
	switch from {
	case NodeClassify:
		return afterClassify(s)
	case NodePlan:
		return afterPlan(s)
	case NodeExecute:
		return afterExecute(s, ceiling)
	case NodeReplan:
		return afterReplan(s)
	case NodeFinalize:
		return afterFinalize(s)
	default:
		return NodeEnd
	}
}
