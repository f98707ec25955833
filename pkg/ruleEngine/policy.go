package ruleEngine

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/sirupsen/logrus"

	"github.com/haolipeng/ddos_detector/pkg/engine"
	"github.com/haolipeng/ddos_detector/pkg/types"
)

// compiledRule 规则与按攻击类型编译好的程序
type compiledRule struct {
	rule     *Rule
	programs map[string]cel.Program
}

// Policy 白名单封禁豁免策略，命中任一启用的规则即不封禁
type Policy struct {
	mu        sync.RWMutex
	env       *cel.Env
	directory string
	rules     []compiledRule
}

// newEnv 声明规则表达式可用的变量
func newEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		// 攻击事件
		cel.Variable("event.attack_type", cel.StringType),
		cel.Variable("event.confidence", cel.DoubleType),
		cel.Variable("event.source_ip", cel.StringType),

		// 来源统计
		cel.Variable("source.packet_count", cel.IntType),
		cel.Variable("source.syn_count", cel.IntType),
		cel.Variable("source.ports_targeted", cel.IntType),
		cel.Variable("source.avg_packet_size", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("create cel env failed: %w", err)
	}
	return env, nil
}

// NewPolicy 编译全部规则，任一表达式编译失败都返回错误
func NewPolicy(rules map[string]*Rule) (*Policy, error) {
	env, err := newEnv()
	if err != nil {
		return nil, err
	}
	compiled, err := compileRules(env, rules)
	if err != nil {
		return nil, err
	}
	return &Policy{env: env, rules: compiled}, nil
}

// NewPolicyFromDirectory 从规则目录创建策略，之后可调用 Reload 重新加载
func NewPolicyFromDirectory(dir string) (*Policy, error) {
	loader := NewRuleLoader()
	if err := loader.LoadRulesFromDirectory(dir); err != nil {
		return nil, fmt.Errorf("load rules failed: %w", err)
	}
	p, err := NewPolicy(loader.GetAllRules())
	if err != nil {
		return nil, err
	}
	p.directory = dir
	logrus.WithFields(logrus.Fields{"directory": dir, "rules": len(p.rules)}).Info("Mitigation policy loaded")
	return p, nil
}

func compileRules(env *cel.Env, rules map[string]*Rule) ([]compiledRule, error) {
	out := make([]compiledRule, 0, len(rules))
	for _, rule := range SortedRules(rules) {
		cr := compiledRule{rule: rule, programs: make(map[string]cel.Program)}
		for attack, ar := range rule.AttackRules {
			if ar == nil {
				continue
			}
			program, err := compileExpression(env, ar.Expression)
			if err != nil {
				return nil, fmt.Errorf("compile rule failed for rule %s, attack %s: %w", rule.RuleID, attack, err)
			}
			cr.programs[attack] = program
		}
		out = append(out, cr)
	}
	return out, nil
}

// compileExpression 编译CEL表达式，要求返回布尔值
func compileExpression(env *cel.Env, expression string) (cel.Program, error) {
	if expression == "" {
		return nil, fmt.Errorf("表达式不能为空")
	}

	ast, iss := env.Compile(expression)
	if iss.Err() != nil {
		return nil, fmt.Errorf("compile expression failed: %w", iss.Err())
	}
	if !ast.OutputType().IsAssignableType(cel.BoolType) {
		return nil, fmt.Errorf("表达式必须返回布尔值，当前返回: %s", ast.OutputType().String())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("create program failed: %w", err)
	}
	return program, nil
}

func buildEvalVars(event types.AttackEvent, source engine.SourceSummary) map[string]interface{} {
	return map[string]interface{}{
		"event.attack_type":      string(event.AttackType),
		"event.confidence":       event.Confidence,
		"event.source_ip":        event.SourceIP(),
		"source.packet_count":    int64(source.PacketCount),
		"source.syn_count":       int64(source.SYNCount),
		"source.ports_targeted":  int64(source.PortsTargeted),
		"source.avg_packet_size": source.AvgPacketSize,
	}
}

func evaluate(program cel.Program, vars map[string]interface{}) (bool, error) {
	result, _, err := program.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("evaluate rule failed: %w", err)
	}
	matched, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rule result is not boolean: %v", result.Value())
	}
	return matched, nil
}

// Exempt 先匹配攻击类型对应的表达式，再匹配 any
// 表达式求值出错按未命中处理，不影响封禁
func (p *Policy) Exempt(event types.AttackEvent, source engine.SourceSummary) (bool, string) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	vars := buildEvalVars(event, source)
	for _, cr := range p.rules {
		if !cr.rule.Enabled() {
			continue
		}
		for _, key := range []string{string(event.AttackType), AnyAttack} {
			ar, ok := cr.rule.AttackRules[key]
			if !ok || ar == nil || !ar.Enabled() {
				continue
			}
			matched, err := evaluate(cr.programs[key], vars)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"rule_id":   cr.rule.RuleID,
					"attack":    key,
					"source_ip": event.SourceIP(),
				}).Errorf("Whitelist rule evaluation failed: %v", err)
				continue
			}
			if matched {
				return true, cr.rule.RuleID
			}
		}
	}
	return false, ""
}

// Reload 重新加载规则目录，编译失败时保留原有规则
func (p *Policy) Reload() error {
	if p.directory == "" {
		return fmt.Errorf("policy was not loaded from a directory")
	}

	loader := NewRuleLoader()
	if err := loader.LoadRulesFromDirectory(p.directory); err != nil {
		return fmt.Errorf("加载规则目录失败: %w", err)
	}
	compiled, err := compileRules(p.env, loader.GetAllRules())
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.rules = compiled
	p.mu.Unlock()

	logrus.WithField("rules", len(compiled)).Info("Mitigation policy reloaded")
	return nil
}

// Rules 当前生效的规则，按ID排序
func (p *Policy) Rules() []Rule {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Rule, 0, len(p.rules))
	for _, cr := range p.rules {
		out = append(out, *cr.rule)
	}
	return out
}

// ValidateExpression 检查表达式能否在策略环境中编译
func (p *Policy) ValidateExpression(expression string) error {
	_, err := compileExpression(p.env, expression)
	return err
}
