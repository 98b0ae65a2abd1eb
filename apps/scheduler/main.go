package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/fanbeam/tokenledger/internal/audit"
	"github.com/fanbeam/tokenledger/internal/clock"
	"github.com/fanbeam/tokenledger/internal/config"
	"github.com/fanbeam/tokenledger/internal/ledger"
	"github.com/fanbeam/tokenledger/internal/logger"
	obsmetrics "github.com/fanbeam/tokenledger/internal/observability/metrics"
	"github.com/fanbeam/tokenledger/internal/payout"
	"github.com/fanbeam/tokenledger/internal/rail"
	"github.com/fanbeam/tokenledger/internal/reconcile"
	"github.com/fanbeam/tokenledger/internal/scheduler"
	"github.com/fanbeam/tokenledger/internal/session"
	"github.com/fanbeam/tokenledger/pkg/db"
	"go.uber.org/fx"
)

// Standalone scheduler worker. Runs the payout cycle, the payout and
// session sweeps, and reconciliation without serving HTTP; deploy one
// instance.
func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		obsmetrics.Module,

		audit.Module,
		ledger.Module,
		session.Module,
		rail.Module,
		payout.Module,
		reconcile.Module,

		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(2)
	if err != nil {
		panic(err)
	}
	return node
}
