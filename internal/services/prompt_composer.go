// internal/services/prompt_composer.go
package services

import (
	"fmt"
	"strings"

	apperrors "github.com/Corphon/StoryForge/internal/errors"
	"github.com/Corphon/StoryForge/internal/models"
)

// 回合数约束
const (
	MinMaxTurns          = 3
	DefaultMaxTurns      = 5
	DefaultMaxTurnsLimit = 20
)

// CatalogInstruction 生成故事背景目录时使用的唯一系统指令
const CatalogInstruction = "Imagine you're entering a world of thrilling adventures! " +
	"Create four backstories to start your journey. " +
	"Each backstory must have a title, a detailed description and a goal describing what the story is about."

// ValidateMaxTurns 检查回合数是否在 [MinMaxTurns, limit] 之间。limit<=0 时使用默认上限
func ValidateMaxTurns(maxTurns, limit int) error {
	if limit <= 0 {
		limit = DefaultMaxTurnsLimit
	}
	if maxTurns < MinMaxTurns {
		return apperrors.NewInvalidConfiguration(
			fmt.Sprintf("max_turns must be at least %d, got %d", MinMaxTurns, maxTurns), nil)
	}
	if maxTurns > limit {
		return apperrors.NewInvalidConfiguration(
			fmt.Sprintf("max_turns must not exceed %d, got %d", limit, maxTurns), nil)
	}
	return nil
}

// ComposeSystemPrompt 根据故事背景和回合数生成会话的系统提示词。
// 相同输入总是得到相同输出。
func ComposeSystemPrompt(story models.SelectedStory, maxTurns, limit int) (string, error) {
	if err := ValidateMaxTurns(maxTurns, limit); err != nil {
		return "", err
	}
	if !story.IsComplete() {
		return "", apperrors.NewInvalidConfiguration("story title, description and goal are required", nil)
	}

	penultimate := maxTurns - 1
	var b strings.Builder

	b.WriteString("You're a storyteller creating an Interactive Adventure. ")
	b.WriteString("For each turn, you must provide exactly two choices unless it's the final turn.\n\n")

	b.WriteString("[BackgroundConditions]\n")
	fmt.Fprintf(&b, "- title: %s\n", story.Title)
	fmt.Fprintf(&b, "- description: %s\n", story.Description)
	fmt.Fprintf(&b, "- goal: %s\n\n", story.Goal)

	b.WriteString("[Conditions]\n")
	fmt.Fprintf(&b, "- For turns 1 through %d:\n", maxTurns-2)
	b.WriteString("  * MUST provide exactly two choices every time\n")
	b.WriteString("  * Each choice must have both description and outcome\n")
	fmt.Fprintf(&b, "  * Story segments limited to %d characters\n", models.StandardStoryLimit)
	b.WriteString("  * Choices should meaningfully impact the story\n")
	b.WriteString("  * Provide an image prompt (img) that describes the scene of the turn\n\n")

	fmt.Fprintf(&b, "- For turn %d (Penultimate turn):\n", penultimate)
	b.WriteString("  * Must set up the finale with two dramatically different choices\n")
	b.WriteString("  * Each choice should lead to a distinct ending scenario\n")
	b.WriteString("  * Make clear how each choice will impact the final outcome\n")
	b.WriteString("  * Choices should represent meaningful story branches\n\n")

	fmt.Fprintf(&b, "- For turn %d (Final turn):\n", maxTurns)
	fmt.Fprintf(&b, "  * MUST directly continue from the choice made in turn %d\n", penultimate)
	b.WriteString("  * Begin by showing the immediate result of the last choice\n")
	fmt.Fprintf(&b, "  * Provide a complete resolution (up to %d characters) that:\n", models.FinalStoryLimit)
	b.WriteString("    - Shows the consequences of the final choice\n")
	b.WriteString("    - Wraps up all major plot threads\n")
	b.WriteString("    - Reveals the ultimate fate of all main characters\n")
	b.WriteString("    - Concludes the quest\n")
	b.WriteString("  * Do not offer any choices\n")
	b.WriteString("  * The ending must feel like a natural continuation of the last choice\n\n")

	b.WriteString("[Storytelling Guidelines]\n")
	fmt.Fprintf(&b, "- Turn %d choices should create clear story branches\n", penultimate)
	fmt.Fprintf(&b, "- Turn %d must directly follow from turn %d's selected choice\n", maxTurns, penultimate)
	b.WriteString("- The conclusion should acknowledge key decisions from earlier turns\n")
	b.WriteString("- Each possible ending should feel distinct and earned\n")
	b.WriteString("- Maintain narrative continuity throughout all turns")

	return b.String(), nil
}

// FinalTurnDirective 结局回合前追加的系统指令，要求延续玩家最后的选择
func FinalTurnDirective(lastChoice models.Choice) string {
	return fmt.Sprintf(
		"Continue and conclude the story based on the player's last choice: %s. "+
			"The outcome of this choice was: %s. This is the final turn. "+
			"As per the storytelling guidelines, provide a complete resolution (up to %d characters) that "+
			"shows the consequences of the final choice, wraps up all major plot threads, "+
			"reveals the ultimate fate of all main characters, and concludes the quest. "+
			"Do not offer any choices. The ending must feel like a natural continuation of the last choice.",
		lastChoice.Description, lastChoice.Outcome, models.FinalStoryLimit)
}
