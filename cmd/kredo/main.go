package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/dukabook/kredo/internal/account"
	"github.com/dukabook/kredo/internal/clock"
	"github.com/dukabook/kredo/internal/config"
	"github.com/dukabook/kredo/internal/debt"
	"github.com/dukabook/kredo/internal/migration"
	"github.com/dukabook/kredo/internal/notifier"
	"github.com/dukabook/kredo/internal/observability"
	"github.com/dukabook/kredo/internal/payment"
	"github.com/dukabook/kredo/internal/scheduler"
	"github.com/dukabook/kredo/internal/server"
	"github.com/dukabook/kredo/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure.
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Functional domains.
		account.Module,
		payment.Module,
		debt.Module,
		notifier.Module,
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
