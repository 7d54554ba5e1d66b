// internal/services/catalog_service.go
package services

import (
	"context"
	"fmt"

	apperrors "github.com/Corphon/StoryForge/internal/errors"
	"github.com/Corphon/StoryForge/internal/llm"
	"github.com/Corphon/StoryForge/internal/models"
	"github.com/Corphon/StoryForge/internal/utils"
)

// NarrativeGenerator 结构化生成协作方，LLMService 是默认实现
type NarrativeGenerator interface {
	Generate(ctx context.Context, log []models.ConversationEntry, schema llm.Schema, out interface{}) (*StructuredResult, error)
}

// CatalogService 生成可供选择的故事背景
type CatalogService struct {
	generator NarrativeGenerator
	logger    *utils.Logger
}

// NewCatalogService 创建目录服务
func NewCatalogService(generator NarrativeGenerator, logger *utils.Logger) *CatalogService {
	if logger == nil {
		logger = utils.GetLogger()
	}
	return &CatalogService{generator: generator, logger: logger}
}

// GenerateCatalog 请求一次生成并校验恰好四个完整的故事背景
func (s *CatalogService) GenerateCatalog(ctx context.Context) (*models.Catalog, error) {
	log := []models.ConversationEntry{
		{Role: models.RoleSystem, Content: CatalogInstruction},
	}

	var catalog models.Catalog
	if _, err := s.generator.Generate(ctx, log, llm.CatalogSchema(), &catalog); err != nil {
		return nil, err
	}

	if err := validateCatalog(&catalog); err != nil {
		s.logger.Warn("catalog reply rejected", map[string]interface{}{
			"stories": len(catalog.Stories),
			"error":   err,
		})
		return nil, err
	}

	s.logger.Info("catalog generated", map[string]interface{}{
		"stories": len(catalog.Stories),
	})
	return &catalog, nil
}

func validateCatalog(catalog *models.Catalog) error {
	if len(catalog.Stories) != models.CatalogSize {
		return apperrors.NewMalformedReply(
			fmt.Sprintf("expected %d stories, got %d", models.CatalogSize, len(catalog.Stories)), nil)
	}
	for i, story := range catalog.Stories {
		if !story.IsComplete() {
			return apperrors.NewMalformedReply(fmt.Sprintf("story %d is missing title, description or goal", i+1), nil)
		}
	}
	return nil
}

// SelectStory 按从1开始的序号选择故事背景，index 为 nil 时选择第一个
func SelectStory(catalog *models.Catalog, index *int) (models.SelectedStory, error) {
	if catalog == nil || len(catalog.Stories) == 0 {
		return models.SelectedStory{}, apperrors.NewInvalidSelection("catalog is empty", nil)
	}
	if index == nil {
		return catalog.Stories[0], nil
	}
	if *index < 1 || *index > len(catalog.Stories) {
		return models.SelectedStory{}, apperrors.NewInvalidSelection(
			fmt.Sprintf("selection must be between 1 and %d, got %d", len(catalog.Stories), *index), nil)
	}
	return catalog.Stories[*index-1], nil
}
