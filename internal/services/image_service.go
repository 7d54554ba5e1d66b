// internal/services/image_service.go
package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/Corphon/StoryForge/internal/storage"
	"github.com/Corphon/StoryForge/internal/utils"
)

var ErrImageDisabled = errors.New("image generation disabled")

// MediaDir 图片文件根目录，与 config.json 所在目录分开，便于整体对外提供
func MediaDir(dataDir string) string {
	return filepath.Join(dataDir, "media")
}

// ImageConfig Stability 文生图参数
type ImageConfig struct {
	APIKey        string
	APIHost       string
	EngineID      string
	PublicBaseURL string
	CfgScale      float64
	Height        int
	Width         int
	Samples       int
	Steps         int
	Timeout       time.Duration
}

// DefaultImageConfig 默认参数
func DefaultImageConfig() ImageConfig {
	return ImageConfig{
		APIHost:       "https://api.stability.ai",
		EngineID:      "stable-diffusion-v1-6",
		PublicBaseURL: "/media",
		CfgScale:      7,
		Height:        512,
		Width:         512,
		Samples:       1,
		Steps:         30,
		Timeout:       90 * time.Second,
	}
}

type textPrompt struct {
	Text string `json:"text"`
}

type textToImageRequest struct {
	TextPrompts []textPrompt `json:"text_prompts"`
	CfgScale    float64      `json:"cfg_scale"`
	Height      int          `json:"height"`
	Width       int          `json:"width"`
	Samples     int          `json:"samples"`
	Steps       int          `json:"steps"`
}

type textToImageResponse struct {
	Artifacts []struct {
		Base64       string `json:"base64"`
		Seed         int64  `json:"seed"`
		FinishReason string `json:"finishReason"`
	} `json:"artifacts"`
}

// ImageService 调用 Stability API 生成回合配图并保存到文件存储
type ImageService struct {
	config  ImageConfig
	client  *http.Client
	files   *storage.FileStorage
	metrics *utils.Metrics
	logger  *utils.Logger
}

// NewImageService 创建图像服务，APIKey 为空时服务处于禁用状态
func NewImageService(cfg ImageConfig, files *storage.FileStorage, metrics *utils.Metrics, logger *utils.Logger) *ImageService {
	defaults := DefaultImageConfig()
	if cfg.APIHost == "" {
		cfg.APIHost = defaults.APIHost
	}
	if cfg.EngineID == "" {
		cfg.EngineID = defaults.EngineID
	}
	if cfg.CfgScale <= 0 {
		cfg.CfgScale = defaults.CfgScale
	}
	if cfg.Height <= 0 {
		cfg.Height = defaults.Height
	}
	if cfg.Width <= 0 {
		cfg.Width = defaults.Width
	}
	if cfg.Samples <= 0 {
		cfg.Samples = defaults.Samples
	}
	if cfg.Steps <= 0 {
		cfg.Steps = defaults.Steps
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if metrics == nil {
		metrics = utils.GetMetrics()
	}
	if logger == nil {
		logger = utils.GetLogger()
	}

	return &ImageService{
		config:  cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		files:   files,
		metrics: metrics,
		logger:  logger,
	}
}

// Enabled 配置了 API Key 和存储时可用
func (s *ImageService) Enabled() bool {
	return s != nil && s.config.APIKey != "" && s.files != nil
}

// Generate 生成图片，保存为 images/{session}/turn_{n}[_sample{i}].png，返回公开地址
func (s *ImageService) Generate(ctx context.Context, prompt, sessionID string, turn int) ([]string, error) {
	if !s.Enabled() {
		return nil, ErrImageDisabled
	}

	data, err := s.requestImages(ctx, prompt)
	if err != nil {
		s.metrics.ImageRequests.WithLabelValues("error").Inc()
		return nil, err
	}
	s.metrics.ImageRequests.WithLabelValues("success").Inc()

	dir := path.Join("images", sessionID)
	urls := make([]string, 0, len(data.Artifacts))
	for i, artifact := range data.Artifacts {
		filename := fmt.Sprintf("turn_%d", turn)
		if len(data.Artifacts) > 1 {
			filename += fmt.Sprintf("_sample%d", i)
		}
		filename += ".png"

		img, err := base64.StdEncoding.DecodeString(artifact.Base64)
		if err != nil {
			s.logger.Error("failed to decode image artifact", map[string]interface{}{
				"session_id": sessionID,
				"file":       filename,
				"error":      err,
			})
			continue
		}
		if err := s.files.SaveFile(dir, filename, img); err != nil {
			s.logger.Error("failed to save image", map[string]interface{}{
				"session_id": sessionID,
				"file":       filename,
				"error":      err,
			})
			continue
		}

		url := s.publicURL(dir, filename)
		urls = append(urls, url)
		s.logger.Info("image saved", map[string]interface{}{
			"session_id": sessionID,
			"url":        url,
		})
	}

	if len(urls) == 0 {
		return nil, errors.New("no image artifacts could be saved")
	}
	return urls, nil
}

func (s *ImageService) requestImages(ctx context.Context, prompt string) (*textToImageResponse, error) {
	payload, err := json.Marshal(textToImageRequest{
		TextPrompts: []textPrompt{{Text: prompt}},
		CfgScale:    s.config.CfgScale,
		Height:      s.config.Height,
		Width:       s.config.Width,
		Samples:     s.config.Samples,
		Steps:       s.config.Steps,
	})
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/v1/generation/%s/text-to-image", strings.TrimRight(s.config.APIHost, "/"), s.config.EngineID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.config.APIKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stability request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("read stability response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("stability API returned %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var data textToImageResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("decode stability response: %w", err)
	}
	return &data, nil
}

func (s *ImageService) publicURL(dir, filename string) string {
	base := strings.TrimRight(s.config.PublicBaseURL, "/")
	return base + "/" + path.Join(dir, filename)
}
