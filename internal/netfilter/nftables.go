package netfilter

import (
	"context"
	"os/exec"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"sigs.k8s.io/knftables"
)

// NftChain describes a private nftables table with a single base chain.
type NftChain struct {
	Family   knftables.Family
	Table    string
	Chain    string
	Type     knftables.BaseChainType
	Hook     knftables.BaseChainHook
	Priority knftables.BaseChainPriority
	Rules    []string
}

// Transaction adds the table, chain and rules to tx.
func (c *NftChain) Transaction(tx *knftables.Transaction) {
	tx.Add(c.table())
	chain := &knftables.Chain{
		Name:     c.Chain,
		Table:    c.Table,
		Type:     knftables.PtrTo(c.Type),
		Hook:     knftables.PtrTo(c.Hook),
		Priority: knftables.PtrTo(c.Priority),
	}
	tx.Add(chain)
	tx.Flush(chain)
	for _, r := range c.Rules {
		tx.Add(&knftables.Rule{Table: c.Table, Chain: c.Chain, Rule: r})
	}
}

func (c *NftChain) table() *knftables.Table {
	return &knftables.Table{Family: c.Family, Name: c.Table}
}

func (c *NftChain) Setup() error {
	nft, err := knftables.New(c.Family, c.Table)
	if err != nil {
		return errors.Wrap(err, "knftables")
	}
	tx := nft.NewTransaction()
	c.Transaction(tx)
	return nft.Run(context.TODO(), tx)
}

func (c *NftChain) Cleanup() error {
	nft, err := knftables.New(c.Family, c.Table)
	if err != nil {
		return errors.Wrap(err, "knftables")
	}
	tx := nft.NewTransaction()
	tx.Delete(c.table())
	err = nft.Run(context.TODO(), tx)
	if knftables.IsNotFound(err) {
		return nil
	}
	return err
}

func DumpNFTables() {
	output, err := exec.Command("nft", "--handle", "list", "ruleset").CombinedOutput()
	if err != nil {
		return
	}
	logrus.Debug("nftables ruleset:\n" + string(output))
}
