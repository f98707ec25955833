package api

import (
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/haolipeng/ddos_detector/pkg/ruleEngine"
)

// PolicyManager 缓解策略的查询与热加载
type PolicyManager interface {
	Rules() []ruleEngine.Rule
	Reload() error
	ValidateExpression(expression string) error
}

// RuleService 规则服务，policy 为 nil 时表示规则引擎未启用
type RuleService struct {
	policy PolicyManager
}

func NewRuleService(policy PolicyManager) *RuleService {
	return &RuleService{policy: policy}
}

// GetRules 获取所有规则，可按 state 过滤
func (rs *RuleService) GetRules(c echo.Context) error {
	if rs.policy == nil {
		return HandleError(c, NewUnavailableError("规则引擎"))
	}

	state := c.QueryParam("state")
	rules := rs.policy.Rules()
	if state != "" {
		filtered := rules[:0:0]
		for _, r := range rules {
			if r.State == state {
				filtered = append(filtered, r)
			}
		}
		rules = filtered
	}

	logrus.WithField("rule_count", len(rules)).Debug("Listing mitigation rules")
	return respondOK(c, "获取规则配置成功", rules)
}

func (rs *RuleService) GetRule(c echo.Context) error {
	if rs.policy == nil {
		return HandleError(c, NewUnavailableError("规则引擎"))
	}

	ruleID := c.Param("rule_id")
	for _, r := range rs.policy.Rules() {
		if r.RuleID == ruleID {
			return respondOK(c, "获取规则配置成功", r)
		}
	}
	return HandleError(c, NewRuleNotFoundError(ruleID))
}

// Reload 从规则目录重新加载，失败时保留原有规则
func (rs *RuleService) Reload(c echo.Context) error {
	if rs.policy == nil {
		return HandleError(c, NewUnavailableError("规则引擎"))
	}
	if err := rs.policy.Reload(); err != nil {
		return HandleError(c, NewRuleValidationError(err))
	}
	return respondOK(c, "规则重新加载成功", map[string]int{"rule_count": len(rs.policy.Rules())})
}

type validateRequest struct {
	Expression string `json:"expression"`
}

// Validate 检查表达式能否编译
func (rs *RuleService) Validate(c echo.Context) error {
	if rs.policy == nil {
		return HandleError(c, NewUnavailableError("规则引擎"))
	}

	var req validateRequest
	if err := c.Bind(&req); err != nil {
		return HandleError(c, NewBadRequestError("请求体格式无效", err))
	}
	if req.Expression == "" {
		return HandleError(c, NewBadRequestError("表达式不能为空", nil))
	}
	if err := rs.policy.ValidateExpression(req.Expression); err != nil {
		return HandleError(c, NewRuleValidationError(err))
	}
	return respondOK(c, "规则验证通过", nil)
}
