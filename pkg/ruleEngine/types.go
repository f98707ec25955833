package ruleEngine

const (
	StateEnable  = "enable"
	StateDisable = "disable"

	ModeWhitelist = "whitelist"

	// AnyAttack 对所有攻击类型生效的规则键
	AnyAttack = "any"
)

// Rule 表示一个封禁策略规则文件
type Rule struct {
	State       string                 `yaml:"state" json:"state"`         // 规则状态 enable/disable
	RuleID      string                 `yaml:"rule_id" json:"rule_id"`     // 规则ID
	RuleName    string                 `yaml:"rule_name" json:"rule_name"` // 规则名称
	RuleMode    string                 `yaml:"rule_mode" json:"rule_mode"` // 规则模式，目前只支持 whitelist
	AttackRules map[string]*AttackRule `yaml:"attack_rules" json:"attack_rules"`
}

// AttackRule 针对某一攻击类型的表达式，key 为攻击类型或 any
type AttackRule struct {
	State       string `yaml:"state" json:"state"`
	Expression  string `yaml:"expression" json:"expression"` // CEL表达式，返回 true 表示豁免
	Description string `yaml:"description" json:"description"`
}

func (r *Rule) Enabled() bool {
	return r.State == StateEnable
}

func (r *AttackRule) Enabled() bool {
	return r.State == StateEnable
}
