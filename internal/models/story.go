// internal/models/story.go
package models

import "strings"

// CatalogSize 一次生成的故事背景数量
const CatalogSize = 4

// SelectedStory 玩家选定的故事背景，选定后不再修改
type SelectedStory struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Goal        string `json:"goal"`
}

// IsComplete 三个字段均非空
func (s SelectedStory) IsComplete() bool {
	return strings.TrimSpace(s.Title) != "" &&
		strings.TrimSpace(s.Description) != "" &&
		strings.TrimSpace(s.Goal) != ""
}

// Catalog 候选故事背景列表
type Catalog struct {
	Stories []SelectedStory `json:"stories"`
}

// Choice 玩家可选的分支
type Choice struct {
	Description string `json:"description"`
	Outcome     string `json:"outcome"`
}

// IsComplete 描述和结果均非空
func (c Choice) IsComplete() bool {
	return strings.TrimSpace(c.Description) != "" && strings.TrimSpace(c.Outcome) != ""
}
