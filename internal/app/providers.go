// internal/app/providers.go
package app

// 注册可用的生成服务提供者
import (
	_ "github.com/Corphon/StoryForge/internal/llm/providers/ollama"
	_ "github.com/Corphon/StoryForge/internal/llm/providers/openai"
)
