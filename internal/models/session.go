// internal/models/session.go
package models

import "time"

// SessionState 单个冒险会话的完整状态
type SessionState struct {
	SessionID       string              `json:"session_id"`
	Story           SelectedStory       `json:"story"`
	ConversationLog []ConversationEntry `json:"conversation_log"`
	MaxTurns        int                 `json:"max_turns"`
	CurrentTurn     int                 `json:"current_turn"`
	LastChoice      *Choice             `json:"last_choice,omitempty"`
	LatestStory     string              `json:"latest_story"`
	LatestImage     string              `json:"latest_image_prompt,omitempty"`
	LatestChoices   []Choice            `json:"latest_choices"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// IsConcluded 结局回合已生成
func (s *SessionState) IsConcluded() bool {
	return s.CurrentTurn >= s.MaxTurns
}

// NextPlan 根据当前回合计算下一次生成的类型。
// CurrentTurn == MaxTurns-1 时下一次生成即为结局。
func (s *SessionState) NextPlan() TurnPlan {
	switch {
	case s.CurrentTurn == s.MaxTurns-1:
		var last *Choice
		if s.LastChoice != nil {
			c := *s.LastChoice
			last = &c
		}
		return TurnPlan{Kind: FinalTurn, LastChoice: last}
	case s.CurrentTurn == s.MaxTurns-2:
		return TurnPlan{Kind: PenultimateTurn}
	default:
		return TurnPlan{Kind: StandardTurn}
	}
}

// Clone 深拷贝，回合推进在副本上进行，成功后再提交
func (s *SessionState) Clone() *SessionState {
	if s == nil {
		return nil
	}
	clone := *s
	if s.ConversationLog != nil {
		clone.ConversationLog = make([]ConversationEntry, len(s.ConversationLog))
		copy(clone.ConversationLog, s.ConversationLog)
	}
	if s.LatestChoices != nil {
		clone.LatestChoices = make([]Choice, len(s.LatestChoices))
		copy(clone.LatestChoices, s.LatestChoices)
	}
	if s.LastChoice != nil {
		c := *s.LastChoice
		clone.LastChoice = &c
	}
	return &clone
}

// SessionSummary 对外暴露的会话概要
type SessionSummary struct {
	SessionID     string        `json:"session_id"`
	Story         SelectedStory `json:"story"`
	MaxTurns      int           `json:"max_turns"`
	CurrentTurn   int           `json:"current_turn"`
	Concluded     bool          `json:"concluded"`
	LatestStory   string        `json:"latest_story"`
	LatestChoices []Choice      `json:"latest_choices"`
	LogLength     int           `json:"log_length"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Summary 生成会话概要
func (s *SessionState) Summary() SessionSummary {
	choices := s.LatestChoices
	if choices == nil {
		choices = []Choice{}
	}
	return SessionSummary{
		SessionID:     s.SessionID,
		Story:         s.Story,
		MaxTurns:      s.MaxTurns,
		CurrentTurn:   s.CurrentTurn,
		Concluded:     s.IsConcluded(),
		LatestStory:   s.LatestStory,
		LatestChoices: choices,
		LogLength:     len(s.ConversationLog),
		UpdatedAt:     s.UpdatedAt,
	}
}
