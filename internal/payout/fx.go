package payout

import (
	"github.com/fanbeam/tokenledger/internal/payout/service"
	"go.uber.org/fx"
)

var Module = fx.Module("payout",
	fx.Provide(service.NewService),
)
