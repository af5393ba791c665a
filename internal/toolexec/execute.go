package toolexec

import (
	"context"
	"encoding/json"
)

// Decision is the approval policy's verdict for one tool call (spec §4.5).
type Decision string

const (
	Allow           Decision = "allow"
	RequireApproval Decision = "require-approval"
	Deny            Decision = "deny"
)

// Call is a model-requested tool invocation awaiting dispatch.
type Call struct {
	CallID    string
	Name      string
	Arguments json.RawMessage
}

// ApprovalPolicy classifies a call before it runs. Policy state (the
// allow/deny lists, default decision) lives with the session, not here.
type ApprovalPolicy func(call Call) Decision

// ApprovalCallback is consulted only when the policy returns
// RequireApproval; it blocks until the caller supplies a binary decision
// or ctx/cancel ends the wait.
type ApprovalCallback func(ctx context.Context, call Call) (approved bool, err error)

// AllowAll is the default policy used when the caller supplies none.
func AllowAll(Call) Decision { return Allow }

// Execute looks up call.Name, consults policy, and on RequireApproval
// blocks on callback before running the tool. It never returns an error:
// every failure mode (unknown tool, denial, cancellation, tool error)
// comes back as an error-typed Result so it stays part of the event log.
func (r *Registry) Execute(ctx context.Context, call Call, policy ApprovalPolicy, callback ApprovalCallback, cancel <-chan struct{}) Result {
	if policy == nil {
		policy = AllowAll
	}

	tool, ok := r.Get(call.Name)
	if !ok {
		return TextResult("unknown tool: "+call.Name, true)
	}

	switch policy(call) {
	case Deny:
		return TextResult("tool call \""+call.Name+"\" denied by policy", true)
	case RequireApproval:
		if callback == nil {
			return TextResult("tool call \""+call.Name+"\" requires approval but no approver is configured", true)
		}
		approved, err := callback(ctx, call)
		if err != nil {
			return TextResult("approval error: "+err.Error(), true)
		}
		if !approved {
			return TextResult("tool call \""+call.Name+"\" denied by operator", true)
		}
	}

	select {
	case <-cancel:
		return TextResult("tool call \""+call.Name+"\" cancelled before it ran", true)
	default:
	}

	result, err := tool.Execute(ctx, call.Arguments)
	if err != nil {
		return TextResult(err.Error(), true)
	}
	return result
}
