package catalog

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ai-rio/QuoteKit-sub003/internal/cache"
	"github.com/ai-rio/QuoteKit-sub003/internal/config"
	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Price is one row of the pricing catalog. The catalog is owned by an
// external configuration surface; this engine only reads it.
type Price struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	Reference string       `gorm:"type:text;not null;uniqueIndex:ux_prices_reference"`
	Name      string       `gorm:"type:text;not null"`
	Amount    int64        `gorm:"not null"`
	Currency  string       `gorm:"type:text;not null"`
	Interval  string       `gorm:"type:text;not null"`
	Active    bool         `gorm:"not null;default:true"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Price) TableName() string { return "prices" }

// Reader resolves price references with a short-lived cache in front of
// the catalog table. Misses are not cached; an unknown reference today may
// be seeded a moment later.
type Reader struct {
	db    *gorm.DB
	cache *cache.TTLCache[string, Price]
	ttl   time.Duration
}

func NewReader(db *gorm.DB, cfg config.Config) *Reader {
	ttl := cfg.CatalogCacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Reader{
		db:    db,
		cache: cache.NewTTLCache[string, Price](),
		ttl:   ttl,
	}
}

// Resolve returns the active price for a reference. The boolean reports
// whether the reference is known.
func (r *Reader) Resolve(ctx context.Context, reference string) (Price, bool, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return Price{}, false, nil
	}
	if price, ok := r.cache.Get(reference); ok {
		return price, true, nil
	}

	var price Price
	err := r.db.WithContext(ctx).
		Where("reference = ? AND active = ?", reference, true).
		First(&price).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Price{}, false, nil
	}
	if err != nil {
		return Price{}, false, err
	}
	r.cache.Set(reference, price, r.ttl)
	return price, true, nil
}

// Invalidate drops the cache, used after the catalog table changes out of
// band.
func (r *Reader) Invalidate() {
	r.cache.Flush()
}
