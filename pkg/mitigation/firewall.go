// Package mitigation 封禁与攻击日志落盘等外部副作用
package mitigation

import (
	"context"
	"fmt"
	"net/netip"
	"os/exec"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// Firewall 在主机防火墙上封禁来源地址
type Firewall interface {
	Block(ctx context.Context, addr netip.Addr) error
	Name() string
}

const (
	FirewallAuto     = "auto"
	FirewallIptables = "iptables"
	FirewallNetsh    = "netsh"
	FirewallNone     = "none"
)

// runner 执行外部命令，测试中可替换
type runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	// 直接传参，不经过 shell
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// CommandFirewall 调用系统命令添加拦截规则
type CommandFirewall struct {
	kind string
	run  runner
}

func NewCommandFirewall(kind string) *CommandFirewall {
	return &CommandFirewall{kind: kind, run: execRunner}
}

func (f *CommandFirewall) Name() string {
	return f.kind
}

func (f *CommandFirewall) command(addr netip.Addr) (string, []string) {
	ip := addr.String()
	switch f.kind {
	case FirewallNetsh:
		return "netsh", []string{
			"advfirewall", "firewall", "add", "rule",
			"name=DDoS_Blocked_" + ip,
			"dir=in", "action=block",
			"remoteip=" + ip,
		}
	default:
		bin := "iptables"
		if addr.Is6() && !addr.Is4In6() {
			bin = "ip6tables"
		}
		return bin, []string{"-A", "INPUT", "-s", ip, "-j", "DROP"}
	}
}

func (f *CommandFirewall) Block(ctx context.Context, addr netip.Addr) error {
	if !addr.IsValid() {
		return fmt.Errorf("invalid address")
	}
	name, args := f.command(addr.Unmap())
	out, err := f.run(ctx, name, args...)
	if err != nil {
		return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// NoopFirewall 只记录日志，用于演示和无权限环境
type NoopFirewall struct{}

func (NoopFirewall) Name() string {
	return FirewallNone
}

func (NoopFirewall) Block(_ context.Context, addr netip.Addr) error {
	logrus.WithField("source_ip", addr.String()).Info("Dry run, firewall rule not installed")
	return nil
}

// NewFirewall 根据配置创建防火墙，auto 按操作系统选择
func NewFirewall(kind string) (Firewall, error) {
	switch strings.ToLower(kind) {
	case "", FirewallAuto:
		if runtime.GOOS == "windows" {
			return NewCommandFirewall(FirewallNetsh), nil
		}
		return NewCommandFirewall(FirewallIptables), nil
	case FirewallIptables:
		return NewCommandFirewall(FirewallIptables), nil
	case FirewallNetsh:
		return NewCommandFirewall(FirewallNetsh), nil
	case FirewallNone, "noop":
		return NoopFirewall{}, nil
	default:
		return nil, fmt.Errorf("unknown firewall kind: %s", kind)
	}
}
