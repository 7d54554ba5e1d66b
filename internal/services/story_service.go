// internal/services/story_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	apperrors "github.com/Corphon/StoryForge/internal/errors"
	"github.com/Corphon/StoryForge/internal/llm"
	"github.com/Corphon/StoryForge/internal/models"
	"github.com/Corphon/StoryForge/internal/storage"
	"github.com/Corphon/StoryForge/internal/utils"
	"github.com/google/uuid"
)

// SessionEventPublisher 接收会话事件，WebSocket 管理器实现该接口
type SessionEventPublisher interface {
	Publish(event models.SessionEvent)
}

// TurnImageGenerator 根据回合的图像提示生成图片并返回访问地址
type TurnImageGenerator interface {
	Enabled() bool
	Generate(ctx context.Context, prompt, sessionID string, turn int) ([]string, error)
}

// TurnResult 一次回合推进的结果
type TurnResult struct {
	Reply       models.TurnReply `json:"reply"`
	IsFinal     bool             `json:"is_final"`
	CurrentTurn int              `json:"current_turn"`
	MaxTurns    int              `json:"max_turns"`
}

// StoryServiceConfig 回合引擎参数
type StoryServiceConfig struct {
	MaxTurnsLimit int
	ImageTimeout  time.Duration
}

// StoryService 回合引擎：创建会话、推进回合、保证回合顺序和结局
type StoryService struct {
	store     storage.SessionStore
	generator NarrativeGenerator
	locks     *LockManager
	metrics   *utils.Metrics
	stats     *StoryServiceMetrics
	logger    *utils.Logger
	config    StoryServiceConfig

	hooksMu   sync.RWMutex
	publisher SessionEventPublisher
	images    TurnImageGenerator

	background sync.WaitGroup
	newID      func() string
	now        func() time.Time
}

// NewStoryService 创建回合引擎
func NewStoryService(store storage.SessionStore, generator NarrativeGenerator, locks *LockManager, cfg StoryServiceConfig, metrics *utils.Metrics, logger *utils.Logger) *StoryService {
	if cfg.MaxTurnsLimit <= 0 {
		cfg.MaxTurnsLimit = DefaultMaxTurnsLimit
	}
	if cfg.ImageTimeout <= 0 {
		cfg.ImageTimeout = 2 * time.Minute
	}
	if locks == nil {
		locks = NewLockManager()
	}
	if metrics == nil {
		metrics = utils.GetMetrics()
	}
	if logger == nil {
		logger = utils.GetLogger()
	}

	locks.OnSizeChange(func(n int) {
		metrics.ActiveSessionLocks.Set(float64(n))
	})

	return &StoryService{
		store:     store,
		generator: generator,
		locks:     locks,
		metrics:   metrics,
		stats:     NewStoryServiceMetrics(),
		logger:    logger,
		config:    cfg,
		newID:     uuid.NewString,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetPublisher 设置事件接收方
func (s *StoryService) SetPublisher(p SessionEventPublisher) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.publisher = p
}

// SetImageGenerator 设置图像生成服务
func (s *StoryService) SetImageGenerator(g TurnImageGenerator) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.images = g
}

// Stats 引擎统计
func (s *StoryService) Stats() *StoryServiceMetrics {
	return s.stats
}

// MaxTurnsLimit 允许的最大回合数
func (s *StoryService) MaxTurnsLimit() int {
	return s.config.MaxTurnsLimit
}

// StartSession 生成第一回合并创建会话
func (s *StoryService) StartSession(ctx context.Context, story models.SelectedStory, maxTurns int) (*models.SessionState, *models.TurnReply, error) {
	started := time.Now()

	prompt, err := ComposeSystemPrompt(story, maxTurns, s.config.MaxTurnsLimit)
	if err != nil {
		return nil, nil, err
	}

	now := s.now()
	state := &models.SessionState{
		SessionID: s.newID(),
		Story:     story,
		ConversationLog: []models.ConversationEntry{
			{Role: models.RoleSystem, Content: prompt},
		},
		MaxTurns:  maxTurns,
		CreatedAt: now,
	}
	plan := state.NextPlan()

	done := s.stats.Begin()
	reply, raw, err := s.generateTurn(ctx, state.ConversationLog, plan)
	done()
	if err != nil {
		s.stats.RecordTurn(0, err)
		return nil, nil, err
	}

	state.ConversationLog = append(state.ConversationLog, models.ConversationEntry{Role: models.RoleAssistant, Content: raw})
	state.CurrentTurn = 1
	applyReply(state, reply)
	state.UpdatedAt = s.now()

	if err := s.store.Create(ctx, state); err != nil {
		return nil, nil, apperrors.NewProcessingError("failed to persist session", err)
	}

	s.stats.RecordSessionStarted()
	s.stats.RecordTurn(time.Since(started), nil)
	s.metrics.SessionsStarted.Inc()
	s.metrics.Turns.WithLabelValues(plan.Kind.String()).Inc()

	s.logger.Info("session started", map[string]interface{}{
		"session_id": state.SessionID,
		"title":      story.Title,
		"max_turns":  maxTurns,
	})

	s.publish(models.SessionEvent{
		Type:      models.EventSessionStarted,
		SessionID: state.SessionID,
		Turn:      state.CurrentTurn,
		Story:     reply.Story,
		Choices:   reply.Choices,
	})
	s.renderImage(state.SessionID, state.CurrentTurn, reply.ImagePrompt)

	return state.Clone(), reply, nil
}

// AdvanceTurn 提交玩家的选择并生成下一回合。
// 同一会话串行执行；任何失败都不会修改已保存的会话。
func (s *StoryService) AdvanceTurn(ctx context.Context, sessionID string, choice models.Choice) (*TurnResult, error) {
	started := time.Now()
	var result *TurnResult
	var plan models.TurnPlan

	err := s.locks.ExecuteWithSessionLock(sessionID, func() error {
		current, err := s.loadSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if current.IsConcluded() {
			return apperrors.NewSessionConcluded(sessionID)
		}
		if !choice.IsComplete() {
			return apperrors.NewInvalidSelection("choice description and outcome are required", nil)
		}

		next := current.Clone()
		selected := choice
		next.LastChoice = &selected
		next.ConversationLog = append(next.ConversationLog, models.NewChoiceEntry(selected))

		plan = next.NextPlan()
		if plan.IsFinal() {
			next.ConversationLog = append(next.ConversationLog, models.ConversationEntry{
				Role:    models.RoleSystem,
				Content: FinalTurnDirective(*plan.LastChoice),
			})
		}

		done := s.stats.Begin()
		reply, raw, err := s.generateTurn(ctx, next.ConversationLog, plan)
		done()
		if err != nil {
			return err
		}

		next.ConversationLog = append(next.ConversationLog, models.ConversationEntry{Role: models.RoleAssistant, Content: raw})
		next.CurrentTurn++
		applyReply(next, reply)
		next.UpdatedAt = s.now()

		if err := ctx.Err(); err != nil {
			return apperrors.NewGenerationFailure("request cancelled before commit", err)
		}
		if err := s.store.Update(ctx, next); err != nil {
			if errors.Is(err, storage.ErrSessionNotFound) {
				return apperrors.NewSessionNotFound(sessionID, err)
			}
			return apperrors.NewProcessingError("failed to persist session", err)
		}

		result = &TurnResult{
			Reply:       *reply,
			IsFinal:     plan.IsFinal(),
			CurrentTurn: next.CurrentTurn,
			MaxTurns:    next.MaxTurns,
		}
		return nil
	})
	if err != nil {
		if apperrors.IsGenerationFailure(err) || apperrors.IsMalformedReply(err) || apperrors.IsTimeoutError(err) {
			s.stats.RecordTurn(0, err)
		}
		s.logger.Warn("turn not advanced", map[string]interface{}{
			"session_id": sessionID,
			"error":      err,
		})
		return nil, err
	}

	s.stats.RecordTurn(time.Since(started), nil)
	s.metrics.Turns.WithLabelValues(plan.Kind.String()).Inc()
	if result.IsFinal {
		s.stats.RecordSessionConcluded()
		s.metrics.SessionsConcluded.Inc()
	}

	s.logger.Info("turn advanced", map[string]interface{}{
		"session_id":   sessionID,
		"current_turn": result.CurrentTurn,
		"kind":         plan.Kind.String(),
		"duration_ms":  time.Since(started).Milliseconds(),
	})

	s.publish(models.SessionEvent{
		Type:      models.EventTurnCompleted,
		SessionID: sessionID,
		Turn:      result.CurrentTurn,
		IsFinal:   result.IsFinal,
		Story:     result.Reply.Story,
		Choices:   result.Reply.Choices,
	})
	s.renderImage(sessionID, result.CurrentTurn, result.Reply.ImagePrompt)

	return result, nil
}

// GetSession 读取会话
func (s *StoryService) GetSession(ctx context.Context, sessionID string) (*models.SessionState, error) {
	return s.loadSession(ctx, sessionID)
}

// Wait 等待后台图像任务结束
func (s *StoryService) Wait() {
	s.background.Wait()
}

func (s *StoryService) loadSession(ctx context.Context, sessionID string) (*models.SessionState, error) {
	state, err := s.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			return nil, apperrors.NewSessionNotFound(sessionID, err)
		}
		return nil, apperrors.NewProcessingError("failed to load session", err)
	}
	return state, nil
}

// generateTurn 请求一次回合生成并按回合类型校验结构
func (s *StoryService) generateTurn(ctx context.Context, log []models.ConversationEntry, plan models.TurnPlan) (*models.TurnReply, string, error) {
	schema := llm.TurnSchema()
	if plan.IsFinal() {
		schema = llm.FinalSchema()
	}

	var reply models.TurnReply
	result, err := s.generator.Generate(ctx, log, schema, &reply)
	if err != nil {
		return nil, "", err
	}
	if err := s.validateReply(&reply, plan); err != nil {
		return nil, "", err
	}
	return &reply, result.Content, nil
}

func (s *StoryService) validateReply(reply *models.TurnReply, plan models.TurnPlan) error {
	if reply.Story == "" {
		return apperrors.NewMalformedReply(fmt.Sprintf("%s turn reply has no story", plan.Kind), nil)
	}
	if len(reply.Choices) != plan.ExpectedChoices() {
		return apperrors.NewMalformedReply(
			fmt.Sprintf("%s turn expects %d choices, got %d", plan.Kind, plan.ExpectedChoices(), len(reply.Choices)), nil)
	}
	for i, c := range reply.Choices {
		if !c.IsComplete() {
			return apperrors.NewMalformedReply(fmt.Sprintf("choice %d is missing description or outcome", i+1), nil)
		}
	}
	// 超长只记录，不拒绝
	if n := utf8.RuneCountInString(reply.Story); n > plan.StoryLimit() {
		s.logger.Warn("story segment exceeds limit", map[string]interface{}{
			"kind":   plan.Kind.String(),
			"length": n,
			"limit":  plan.StoryLimit(),
		})
	}
	return nil
}

func applyReply(state *models.SessionState, reply *models.TurnReply) {
	state.LatestStory = reply.Story
	state.LatestImage = reply.ImagePrompt
	state.LatestChoices = make([]models.Choice, len(reply.Choices))
	copy(state.LatestChoices, reply.Choices)
}

func (s *StoryService) publish(event models.SessionEvent) {
	s.hooksMu.RLock()
	p := s.publisher
	s.hooksMu.RUnlock()
	if p == nil {
		return
	}
	event.Timestamp = s.now()
	p.Publish(event)
}

// renderImage 在会话锁之外异步生成图片，失败只记录日志
func (s *StoryService) renderImage(sessionID string, turn int, prompt string) {
	s.hooksMu.RLock()
	images := s.images
	s.hooksMu.RUnlock()
	if images == nil || !images.Enabled() || prompt == "" {
		return
	}

	s.background.Add(1)
	go func() {
		defer s.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.config.ImageTimeout)
		defer cancel()

		urls, err := images.Generate(ctx, prompt, sessionID, turn)
		if err != nil {
			s.logger.Warn("turn image generation failed", map[string]interface{}{
				"session_id": sessionID,
				"turn":       turn,
				"error":      err,
			})
			return
		}
		s.publish(models.SessionEvent{
			Type:      models.EventImageReady,
			SessionID: sessionID,
			Turn:      turn,
			ImageURLs: urls,
		})
	}()
}
