package seed

import (
	"context"
	"errors"

	"github.com/ai-rio/QuoteKit-sub003/internal/catalog"
	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var defaultPrices = []catalog.Price{
	{Reference: "price_starter_monthly", Name: "Starter", Amount: 900, Currency: "usd", Interval: "month", Active: true},
	{Reference: "price_pro_monthly", Name: "Pro", Amount: 2900, Currency: "usd", Interval: "month", Active: true},
	{Reference: "price_pro_yearly", Name: "Pro (annual)", Amount: 29000, Currency: "usd", Interval: "year", Active: true},
}

// EnsurePrices seeds the price catalog for local development. Existing
// references are left untouched.
func EnsurePrices(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, price := range defaultPrices {
			price.ID = node.Generate()
			err := tx.WithContext(ctx).
				Clauses(clause.OnConflict{
					Columns:   []clause.Column{{Name: "reference"}},
					DoNothing: true,
				}).
				Create(&price).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}
