package engine

import (
	"net/netip"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/haolipeng/ddos_detector/pkg/types"
)

// Dispatcher 异步执行外部动作（防火墙规则、持久化日志），实现不得阻塞调用方
type Dispatcher interface {
	Block(addr netip.Addr)
	Record(event types.AttackEvent)
}

// ExemptionPolicy 判断某次封禁是否应被豁免，返回命中的规则ID
type ExemptionPolicy interface {
	Exempt(event types.AttackEvent, source SourceSummary) (bool, string)
}

// mitigator 攻击日志、可疑集合与封禁集合，由 Engine 加锁保护
type mitigator struct {
	blockThreshold float64
	attackLog      *ring[types.AttackEvent]
	suspicious     map[netip.Addr]struct{}
	blocked        map[netip.Addr]struct{}
	policy         ExemptionPolicy
}

type mitigationAction struct {
	event  types.AttackEvent
	block  bool
	exempt string
}

func newMitigator(blockThreshold float64, logSize int) *mitigator {
	return &mitigator{
		blockThreshold: blockThreshold,
		attackLog:      newRing[types.AttackEvent](logSize),
		suspicious:     make(map[netip.Addr]struct{}),
		blocked:        make(map[netip.Addr]struct{}),
	}
}

// handle 记录攻击事件并决定是否封禁，封禁集合只增不减
func (m *mitigator) handle(event types.AttackEvent, table *SourceTable) mitigationAction {
	action := mitigationAction{event: event}
	m.attackLog.Push(event)

	if !event.HasSource() {
		return action
	}
	src := event.SourceAddr
	m.suspicious[src] = struct{}{}

	if event.Confidence <= m.blockThreshold {
		return action
	}
	if _, already := m.blocked[src]; already {
		return action
	}

	if m.policy != nil {
		summary, ok := table.Summary(src)
		if !ok {
			summary.Addr = src
		}
		if exempt, ruleID := m.policy.Exempt(event, summary); exempt {
			action.exempt = ruleID
			return action
		}
	}

	m.blocked[src] = struct{}{}
	table.MarkBlocked(src)
	action.block = true
	return action
}

func (m *mitigator) isBlocked(addr netip.Addr) bool {
	_, ok := m.blocked[addr]
	return ok
}

func (m *mitigator) resetSuspicious() {
	m.suspicious = make(map[netip.Addr]struct{})
}

func sortedAddrs(set map[netip.Addr]struct{}) []netip.Addr {
	out := make([]netip.Addr, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// logDispatcher 没有配置外部执行器时使用，只记录日志
type logDispatcher struct{}

func (logDispatcher) Block(addr netip.Addr) {
	logrus.WithField("source_ip", addr.String()).Info("No firewall dispatcher configured, block skipped")
}

func (logDispatcher) Record(types.AttackEvent) {}
