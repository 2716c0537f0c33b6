package tasks

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// STACItem is one registered catalog entry.
type STACItem struct {
	Collection string         `gorm:"primaryKey" json:"collection"`
	Href       string         `gorm:"primaryKey" json:"href"`
	Properties datatypes.JSON `gorm:"type:jsonb" json:"properties"`
	CreatedAt  time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt  time.Time      `gorm:"not null" json:"updated_at"`
}

func (STACItem) TableName() string { return "stac_items" }

// DBCatalog registers STAC items in the relational catalog. Upserts are
// keyed by (collection, href) so re-registration after a retry is a
// no-op update.
type DBCatalog struct {
	db func() *gorm.DB
}

func NewDBCatalog(db func() *gorm.DB) *DBCatalog {
	return &DBCatalog{db: db}
}

func (c *DBCatalog) UpsertItems(ctx context.Context, collection string, items []map[string]any) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	now := time.Now()
	rows := make([]STACItem, 0, len(items))
	for _, item := range items {
		href, _ := item["href"].(string)
		if href == "" {
			continue
		}
		raw, err := json.Marshal(item)
		if err != nil {
			return 0, err
		}
		rows = append(rows, STACItem{
			Collection: collection,
			Href:       href,
			Properties: datatypes.JSON(raw),
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}
	if len(rows) == 0 {
		return 0, nil
	}
	err := c.db().WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "collection"}, {Name: "href"}},
			DoUpdates: clause.AssignmentColumns([]string{"properties", "updated_at"}),
		}).
		Create(&rows).Error
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// MemoryCatalog is the test double.
type MemoryCatalog struct {
	mu    sync.Mutex
	items map[string]map[string]map[string]any
}

func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{items: make(map[string]map[string]map[string]any)}
}

func (c *MemoryCatalog) UpsertItems(_ context.Context, collection string, items []map[string]any) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.items[collection] == nil {
		c.items[collection] = make(map[string]map[string]any)
	}
	n := 0
	for _, item := range items {
		href, _ := item["href"].(string)
		if href == "" {
			continue
		}
		c.items[collection][href] = item
		n++
	}
	return n, nil
}

// Count reports registered items for a collection.
func (c *MemoryCatalog) Count(collection string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items[collection])
}
