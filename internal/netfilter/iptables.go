//go:build linux

package netfilter

import (
	"github.com/coreos/go-iptables/iptables"
	"github.com/pkg/errors"
)

// IptChain is a custom chain in Table jumped to from JumpPoint.
type IptChain struct {
	Table     string
	Chain     string
	JumpPoint string
	Jump      []string // match part of the jump rule; "-j Chain" is appended
	Rules     [][]string
}

func (c *IptChain) jumpRule() []string {
	return append(append([]string(nil), c.Jump...), "-j", c.Chain)
}

func (c *IptChain) Setup() error {
	ipt, err := iptables.NewWithProtocol(iptables.ProtocolIPv4)
	if err != nil {
		return errors.Wrap(err, "iptables")
	}
	if err := ipt.ClearChain(c.Table, c.Chain); err != nil {
		return err
	}
	for _, r := range c.Rules {
		if err := ipt.Append(c.Table, c.Chain, r...); err != nil {
			return err
		}
	}
	return ipt.Insert(c.Table, c.JumpPoint, 1, c.jumpRule()...)
}

func (c *IptChain) Cleanup() error {
	ipt, err := iptables.NewWithProtocol(iptables.ProtocolIPv4)
	if err != nil {
		return errors.Wrap(err, "iptables")
	}
	_ = ipt.DeleteIfExists(c.Table, c.JumpPoint, c.jumpRule()...)
	exists, err := ipt.ChainExists(c.Table, c.Chain)
	if err != nil || !exists {
		return err
	}
	return ipt.ClearAndDeleteChain(c.Table, c.Chain)
}
