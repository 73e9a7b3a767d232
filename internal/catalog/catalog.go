// Package catalog describes the capabilities of the downstream agents.
// The routing prompt's "available agents" section is rendered from these
// profiles, so the catalog is what ultimately biases routing quality.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Profile 描述一个可被路由的智能体。
type Profile struct {
	Name         string   `json:"name"`
	Title        string   `json:"title"`
	Summary      string   `json:"summary"`
	Capabilities []string `json:"capabilities"`
}

// Catalog 保存全部智能体画像，顺序即提示词中的呈现顺序。
type Catalog struct {
	profiles []Profile
}

// New 根据画像列表创建目录。
func New(profiles []Profile) *Catalog {
	return &Catalog{profiles: profiles}
}

// Default 返回内置的 GPA / UMS 画像。
func Default() *Catalog {
	return New([]Profile{
		{
			Name:    "gpa",
			Title:   "GPA (General-Purpose Agent)",
			Summary: "处理通用任务的默认智能体。",
			Capabilities: []string{
				"联网搜索",
				"基于上传文档（PDF、TXT、CSV、图片）的检索问答",
				"执行 Python 代码完成计算、数据分析与图表生成",
				"生成图片",
			},
		},
		{
			Name:    "ums",
			Title:   "UMS (Users Management Service Agent)",
			Summary: "处理系统用户管理操作的专用智能体。",
			Capabilities: []string{
				"搜索系统用户",
				"创建新用户",
				"更新用户信息",
				"删除用户",
				"按条件列出用户",
			},
		},
	})
}

// Load 从 JSON 文件加载智能体画像。
func Load(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("智能体目录文件路径不能为空")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析目录路径失败: %w", err)
	}
	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取智能体目录失败: %w", err)
	}
	defer file.Close()

	var profiles []Profile
	if err := json.NewDecoder(file).Decode(&profiles); err != nil {
		return nil, fmt.Errorf("解析智能体目录失败: %w", err)
	}
	if len(profiles) == 0 {
		return nil, fmt.Errorf("智能体目录为空")
	}
	return New(profiles), nil
}

// Profiles 返回画像列表的副本。
func (c *Catalog) Profiles() []Profile {
	if c == nil {
		return nil
	}
	return append([]Profile(nil), c.profiles...)
}

// RenderPromptSection 渲染提示词中的可用智能体章节。
func (c *Catalog) RenderPromptSection() string {
	if c == nil || len(c.profiles) == 0 {
		return ""
	}
	var builder strings.Builder
	for _, p := range c.profiles {
		builder.WriteString(fmt.Sprintf("### %s\n", p.Title))
		if p.Summary != "" {
			builder.WriteString(p.Summary)
			builder.WriteString("\n")
		}
		for _, cap := range p.Capabilities {
			builder.WriteString("- ")
			builder.WriteString(cap)
			builder.WriteString("\n")
		}
		builder.WriteString("\n")
	}
	return strings.TrimRight(builder.String(), "\n")
}
