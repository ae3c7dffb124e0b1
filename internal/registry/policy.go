package registry

// EvaluateTaskAssignment checks whether a task may be assigned to an
// agent. agentName must already be a registered agent, and
// taskDescription must be non-empty.
func (r *Registry) EvaluateTaskAssignment(agentName, taskID, taskDescription string) PolicyResult {
	if agentName == "" {
		return deny("unknown_agent")
	}
	if _, ok := r.GetAgent(agentName); !ok {
		return deny("unknown_agent")
	}
	if taskDescription == "" {
		return deny("empty_description")
	}
	return allow()
}

// EvaluateMessage checks whether a message from senderTokenID to
// recipientName is allowed. "hub" is the special recipient
// name for the router itself and is always a valid destination.
func (r *Registry) EvaluateMessage(senderTokenID, recipientName string, payloadType string) PolicyResult {
	if senderTokenID == "" {
		return deny("invalid_token")
	}
	if _, ok := r.ValidateToken(senderTokenID); !ok {
		return deny("invalid_token")
	}
	if recipientName != "" && recipientName != "hub" {
		if _, ok := r.GetAgent(recipientName); !ok {
			return deny("unknown_recipient")
		}
	}
	if payloadType == "" {
		return deny("missing_type")
	}
	return allow()
}

// EvaluateCapability checks whether a token carries a required capability.
func (r *Registry) EvaluateCapability(tokenID, requiredCapability string) PolicyResult {
	if tokenID == "" {
		return deny("invalid_token")
	}
	tok, ok := r.ValidateToken(tokenID)
	if !ok {
		return deny("invalid_token")
	}
	if !tok.hasCapability(requiredCapability) {
		return deny("missing_capability")
	}
	return allow()
}
