package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/fanbeam/tokenledger/internal/audit"
	"github.com/fanbeam/tokenledger/internal/clock"
	"github.com/fanbeam/tokenledger/internal/config"
	"github.com/fanbeam/tokenledger/internal/ledger"
	"github.com/fanbeam/tokenledger/internal/logger"
	"github.com/fanbeam/tokenledger/internal/migration"
	obsmetrics "github.com/fanbeam/tokenledger/internal/observability/metrics"
	"github.com/fanbeam/tokenledger/internal/payout"
	"github.com/fanbeam/tokenledger/internal/rail"
	"github.com/fanbeam/tokenledger/internal/reconcile"
	"github.com/fanbeam/tokenledger/internal/scheduler"
	"github.com/fanbeam/tokenledger/internal/server"
	"github.com/fanbeam/tokenledger/internal/session"
	"github.com/fanbeam/tokenledger/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		obsmetrics.Module,
		migration.Module,

		// Domain services
		audit.Module,
		ledger.Module,
		session.Module,
		rail.Module,
		payout.Module,
		reconcile.Module,

		// Background jobs and the HTTP surface
		scheduler.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
