package ruleEngine

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// RuleLoader 负责加载和管理规则
type RuleLoader struct {
	rules map[string]*Rule // key为规则ID
}

func NewRuleLoader() *RuleLoader {
	return &RuleLoader{
		rules: make(map[string]*Rule),
	}
}

// LoadRuleFromFile 从文件加载规则，同一ID的规则后加载的覆盖先加载的
func (rl *RuleLoader) LoadRuleFromFile(filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("读取规则文件失败: %w", err)
	}

	var rule Rule
	if err := yaml.Unmarshal(data, &rule); err != nil {
		return fmt.Errorf("解析YAML失败: %w", err)
	}
	if rule.RuleID == "" {
		return fmt.Errorf("规则文件 %s 缺少 rule_id", filePath)
	}
	if rule.RuleMode == "" {
		rule.RuleMode = ModeWhitelist
	}
	if rule.RuleMode != ModeWhitelist {
		return fmt.Errorf("规则 %s 的模式 %s 不受支持", rule.RuleID, rule.RuleMode)
	}

	rl.rules[rule.RuleID] = &rule
	return nil
}

// LoadRulesFromDirectory 从目录加载所有规则
func (rl *RuleLoader) LoadRulesFromDirectory(dirPath string) error {
	files, err := os.ReadDir(dirPath)
	if err != nil {
		return fmt.Errorf("读取目录失败: %w", err)
	}

	for _, file := range files {
		if file.IsDir() {
			continue
		}
		if ext := filepath.Ext(file.Name()); ext == ".yaml" || ext == ".yml" {
			fullPath := filepath.Join(dirPath, file.Name())
			if err := rl.LoadRuleFromFile(fullPath); err != nil {
				return fmt.Errorf("加载规则文件 %s 失败: %w", file.Name(), err)
			}
		}
	}
	return nil
}

func (rl *RuleLoader) GetRule(ruleID string) (*Rule, bool) {
	rule, exists := rl.rules[ruleID]
	return rule, exists
}

func (rl *RuleLoader) GetAllRules() map[string]*Rule {
	return rl.rules
}

// SortedRules 按规则ID排序，保证匹配顺序稳定
func SortedRules(rules map[string]*Rule) []*Rule {
	out := make([]*Rule, 0, len(rules))
	for _, r := range rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RuleID < out[j].RuleID })
	return out
}
