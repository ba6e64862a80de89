package main

import (
	"log"

	"github.com/sarchlab/akita/v4/sim"

	"github.com/sarchlab/moesisim/timing/bus"
)

// busLogger logs bus transactions as they are granted and completed.
type busLogger struct {
	logger *log.Logger
}

func (l *busLogger) Func(ctx sim.HookCtx) {
	switch ctx.Pos {
	case bus.HookPosGrant:
		txn := ctx.Item.(bus.Transaction)
		l.logger.Printf("[%d] grant %s %s 0x%X core %d",
			txn.GrantCycle, txn.ID, txn.Kind, txn.Address, txn.Requester)
	case bus.HookPosComplete:
		txn := ctx.Item.(bus.Transaction)
		result := ctx.Detail.(bus.Result)
		l.logger.Printf("[%d] done  %s %s 0x%X core %d from %s",
			txn.DoneCycle, txn.ID, txn.Kind, txn.Address, txn.Requester,
			result.Source)
	}
}
