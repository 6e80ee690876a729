// Package models defines the per-turn tool-execution acknowledgment contract.
package models

// ToolExecutionStatus summarizes what happened to side-effecting tools on a turn.
type ToolExecutionStatus string

const (
	ToolStatusNone      ToolExecutionStatus = "none"
	ToolStatusBlocked   ToolExecutionStatus = "blocked"
	ToolStatusSuccess   ToolExecutionStatus = "success"
	ToolStatusFailed    ToolExecutionStatus = "failed"
	ToolStatusUncertain ToolExecutionStatus = "uncertain"
)

// ToolAck is the per-turn, non-persisted tool-execution acknowledgment.
// A response may only claim a tool succeeded in user-facing text when
// AllowSuccessClaim is true.
type ToolAck struct {
	Status            ToolExecutionStatus `json:"status"`
	Attempted         bool                `json:"attempted"`
	SuccessConfirmed  bool                `json:"success_confirmed"`
	AllowSuccessClaim bool                `json:"allow_success_claim"`
	ExecutedTools     []string            `json:"executed_tools,omitempty"`
	UserSafeMessage   string              `json:"user_safe_message,omitempty"`
}

// NewToolAck builds an ack with the contract invariant enforced:
// AllowSuccessClaim is true if and only if the status is success and at least
// one tool name was recorded as executed.
func NewToolAck(status ToolExecutionStatus, executed []string, userSafeMessage string) ToolAck {
	if len(executed) > MaxExecutedTools {
		executed = executed[:MaxExecutedTools]
	}
	confirmed := status == ToolStatusSuccess && len(executed) > 0
	ack := ToolAck{
		Status:            status,
		Attempted:         status != ToolStatusNone,
		SuccessConfirmed:  confirmed,
		AllowSuccessClaim: confirmed,
		ExecutedTools:     executed,
	}
	if !confirmed && status != ToolStatusNone {
		ack.UserSafeMessage = userSafeMessage
	}
	return ack
}

// NoToolAck is the ack for turns that attempted no tool at all.
func NoToolAck() ToolAck {
	return ToolAck{Status: ToolStatusNone}
}
