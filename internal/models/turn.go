// internal/models/turn.go
package models

import "encoding/json"

// 故事段落长度上限（字符）
const (
	StandardStoryLimit = 500
	FinalStoryLimit    = 1000
)

// ConversationRole 对话日志中的角色
type ConversationRole string

const (
	RoleSystem    ConversationRole = "system"
	RoleUser      ConversationRole = "user"
	RoleAssistant ConversationRole = "assistant"
)

// ConversationEntry 对话日志条目，只追加不修改
type ConversationEntry struct {
	Role    ConversationRole `json:"role"`
	Content string           `json:"content"`
}

// TurnReply 单回合生成结果
type TurnReply struct {
	Story       string   `json:"story"`
	ImagePrompt string   `json:"img,omitempty"`
	Choices     []Choice `json:"choices"`
}

// ChoiceMessage 玩家选择写入日志时的格式
type ChoiceMessage struct {
	Choice  string `json:"choice"`
	Outcome string `json:"outcome"`
}

// NewChoiceEntry 把玩家选择编码为 user 条目
func NewChoiceEntry(choice Choice) ConversationEntry {
	data, _ := json.Marshal(ChoiceMessage{Choice: choice.Description, Outcome: choice.Outcome})
	return ConversationEntry{Role: RoleUser, Content: string(data)}
}

// TurnKind 即将生成的回合类型
type TurnKind int

const (
	StandardTurn TurnKind = iota
	PenultimateTurn
	FinalTurn
)

func (k TurnKind) String() string {
	switch k {
	case StandardTurn:
		return "standard"
	case PenultimateTurn:
		return "penultimate"
	case FinalTurn:
		return "final"
	default:
		return "unknown"
	}
}

// TurnPlan 下一次生成的计划。只有 FinalTurn 携带 LastChoice
type TurnPlan struct {
	Kind       TurnKind
	LastChoice *Choice
}

// ExpectedChoices 该回合应返回的选项数量
func (p TurnPlan) ExpectedChoices() int {
	if p.Kind == FinalTurn {
		return 0
	}
	return 2
}

// StoryLimit 该回合故事段落的长度上限
func (p TurnPlan) StoryLimit() int {
	if p.Kind == FinalTurn {
		return FinalStoryLimit
	}
	return StandardStoryLimit
}

// IsFinal 是否为结局回合
func (p TurnPlan) IsFinal() bool {
	return p.Kind == FinalTurn
}
