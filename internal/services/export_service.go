// internal/services/export_service.go
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	apperrors "github.com/Corphon/StoryForge/internal/errors"
	"github.com/Corphon/StoryForge/internal/models"
	"github.com/Corphon/StoryForge/internal/storage"
	"github.com/Corphon/StoryForge/internal/utils"
)

var supportedExportFormats = []string{models.ExportJSON, models.ExportMarkdown, models.ExportText}

// ExportService 把会话导出为可阅读的故事文档
type ExportService struct {
	story  *StoryService
	files  *storage.FileStorage // 为 nil 时只返回内容，不落盘
	logger *utils.Logger
	now    func() time.Time
}

// NewExportService 创建导出服务
func NewExportService(story *StoryService, files *storage.FileStorage, logger *utils.Logger) *ExportService {
	if logger == nil {
		logger = utils.GetLogger()
	}
	return &ExportService{
		story:  story,
		files:  files,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// ExportSession 导出会话，格式为 json、markdown 或 txt
func (s *ExportService) ExportSession(ctx context.Context, sessionID, format string) (*models.ExportResult, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = models.ExportMarkdown
	}
	if !slices.Contains(supportedExportFormats, format) {
		return nil, apperrors.NewValidationError(
			fmt.Sprintf("unsupported export format %q, supported: %s", format, strings.Join(supportedExportFormats, ", ")), nil)
	}

	state, err := s.story.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	transcript := state.Transcript()

	var content string
	switch format {
	case models.ExportJSON:
		content, err = formatTranscriptAsJSON(transcript)
	case models.ExportMarkdown:
		content = formatTranscriptAsMarkdown(transcript)
	default:
		content = formatTranscriptAsText(transcript)
	}
	if err != nil {
		return nil, apperrors.NewProcessingError("failed to format export", err)
	}

	result := &models.ExportResult{
		SessionID:   sessionID,
		Title:       transcript.Story.Title,
		Format:      format,
		Content:     content,
		GeneratedAt: s.now(),
		TurnCount:   len(transcript.Turns),
		Concluded:   transcript.Concluded,
	}

	if s.files != nil {
		if err := s.save(result); err != nil {
			// 落盘失败不影响返回内容
			s.logger.Warn("failed to save export", map[string]interface{}{
				"session_id": sessionID,
				"error":      err,
			})
		}
	}
	return result, nil
}

// save 写入 exports/{session}_{timestamp}.{ext}
func (s *ExportService) save(result *models.ExportResult) error {
	ext := result.Format
	if ext == models.ExportMarkdown {
		ext = "md"
	}
	fileName := fmt.Sprintf("%s_%s.%s", result.SessionID, result.GeneratedAt.Format("20060102_150405"), ext)

	if err := s.files.SaveFile("exports", fileName, []byte(result.Content)); err != nil {
		return err
	}
	result.FilePath = "exports/" + fileName
	result.FileSize = int64(len(result.Content))
	return nil
}

func formatTranscriptAsJSON(transcript models.SessionTranscript) (string, error) {
	data, err := json.MarshalIndent(transcript, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func formatTranscriptAsMarkdown(transcript models.SessionTranscript) string {
	var content strings.Builder

	content.WriteString(fmt.Sprintf("# %s\n\n", transcript.Story.Title))
	content.WriteString(fmt.Sprintf("> %s\n\n", transcript.Story.Description))
	content.WriteString(fmt.Sprintf("- **Goal**: %s\n", transcript.Story.Goal))
	content.WriteString(fmt.Sprintf("- **Turns**: %d / %d\n", len(transcript.Turns), transcript.MaxTurns))
	status := "in progress"
	if transcript.Concluded {
		status = "concluded"
	}
	content.WriteString(fmt.Sprintf("- **Status**: %s\n\n", status))

	for _, turn := range transcript.Turns {
		content.WriteString(fmt.Sprintf("## Turn %d\n\n", turn.Number))
		content.WriteString(turn.Story)
		content.WriteString("\n\n")

		if turn.ImagePrompt != "" {
			content.WriteString(fmt.Sprintf("*Scene: %s*\n\n", turn.ImagePrompt))
		}
		for i, choice := range turn.Choices {
			marker := " "
			if turn.Chosen != nil && turn.Chosen.Description == choice.Description {
				marker = "x"
			}
			content.WriteString(fmt.Sprintf("- [%s] %d. %s\n", marker, i+1, choice.Description))
		}
		if turn.Chosen != nil {
			content.WriteString(fmt.Sprintf("\n**Chosen**: %s → %s\n", turn.Chosen.Description, turn.Chosen.Outcome))
		}
		content.WriteString("\n")
	}
	return content.String()
}

func formatTranscriptAsText(transcript models.SessionTranscript) string {
	var content strings.Builder

	content.WriteString(strings.ToUpper(transcript.Story.Title))
	content.WriteString("\n")
	content.WriteString(strings.Repeat("=", len([]rune(transcript.Story.Title))))
	content.WriteString("\n\n")
	content.WriteString(transcript.Story.Description)
	content.WriteString(fmt.Sprintf("\nGoal: %s\n\n", transcript.Story.Goal))

	for _, turn := range transcript.Turns {
		content.WriteString(fmt.Sprintf("Turn %d\n", turn.Number))
		content.WriteString(turn.Story)
		content.WriteString("\n")
		if turn.Chosen != nil {
			content.WriteString(fmt.Sprintf("> %s\n", turn.Chosen.Description))
		}
		content.WriteString("\n")
	}
	if transcript.Concluded {
		content.WriteString("THE END\n")
	}
	return content.String()
}
