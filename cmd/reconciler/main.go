package main

import (
	"github.com/ai-rio/QuoteKit-sub003/internal/audit"
	"github.com/ai-rio/QuoteKit-sub003/internal/authorization"
	"github.com/ai-rio/QuoteKit-sub003/internal/catalog"
	"github.com/ai-rio/QuoteKit-sub003/internal/clock"
	"github.com/ai-rio/QuoteKit-sub003/internal/config"
	"github.com/ai-rio/QuoteKit-sub003/internal/deadletter"
	"github.com/ai-rio/QuoteKit-sub003/internal/event"
	"github.com/ai-rio/QuoteKit-sub003/internal/followup"
	"github.com/ai-rio/QuoteKit-sub003/internal/migration"
	"github.com/ai-rio/QuoteKit-sub003/internal/notify"
	"github.com/ai-rio/QuoteKit-sub003/internal/observability"
	"github.com/ai-rio/QuoteKit-sub003/internal/pipeline"
	"github.com/ai-rio/QuoteKit-sub003/internal/reconcile"
	"github.com/ai-rio/QuoteKit-sub003/internal/seed"
	"github.com/ai-rio/QuoteKit-sub003/internal/server"
	"github.com/ai-rio/QuoteKit-sub003/internal/subscription"
	"github.com/ai-rio/QuoteKit-sub003/pkg/db"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		fx.Invoke(Migrate),
		fx.Invoke(Seed),

		// Reconciliation core.
		authorization.Module,
		event.Module,
		subscription.Module,
		audit.Module,
		deadletter.Module,
		notify.Module,
		catalog.Module,
		reconcile.Module,
		followup.Module,
		pipeline.Module,

		fx.Provide(server.NewEngine),
		fx.Provide(server.NewServer),
		fx.Invoke(func(s *server.Server) {
			s.RegisterAPIRoutes()
		}),
		fx.Invoke(server.RunHTTP),
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

func Migrate(gdb *gorm.DB) error {
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	return migration.RunMigrations(sqlDB)
}

// Seed fills the price catalog outside production so handlers have
// something to resolve against on a fresh database.
func Seed(cfg config.Config, gdb *gorm.DB) error {
	if cfg.IsProduction() {
		return nil
	}
	return seed.EnsurePrices(gdb)
}
