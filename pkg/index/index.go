// Package index maps discrete actions onto sets of secondary indexes.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/opaque/encindex/internal/store"
)

// ErrInvalidAction is returned for an action id outside the catalog.
var ErrInvalidAction = errors.New("invalid action")

// Action is one entry of the catalog. Applying it makes exactly Indexes the
// managed index set.
type Action struct {
	ID      int
	Indexes []store.Index
}

// Catalog is the ordered action space. Entry 0 is the empty baseline.
type Catalog []Action

// DefaultCatalog covers single and composite indexes on the columns the
// default workload filters on.
func DefaultCatalog() Catalog {
	return Catalog{
		{ID: 0},
		{ID: 1, Indexes: []store.Index{{Name: "idx_medinc", Columns: []string{"MedInc_enc"}}}},
		{ID: 2, Indexes: []store.Index{{Name: "idx_houseage", Columns: []string{"HouseAge_enc"}}}},
		{ID: 3, Indexes: []store.Index{{Name: "idx_medinc_houseage", Columns: []string{"MedInc_enc", "HouseAge_enc"}}}},
		{ID: 4, Indexes: []store.Index{{Name: "idx_population_ave_rooms", Columns: []string{"Population_enc", "AveRooms_enc"}}}},
		{ID: 5, Indexes: []store.Index{{Name: "idx_latitude_longitude", Columns: []string{"Latitude_enc", "Longitude_enc"}}}},
		{ID: 6, Indexes: []store.Index{{Name: "idx_ave_rooms_house_age", Columns: []string{"AveRooms_enc", "HouseAge_enc"}}}},
	}
}

// Validate checks that ids run 0..len-1 and entry 0 has no indexes.
func (c Catalog) Validate() error {
	if len(c) == 0 {
		return errors.New("empty action catalog")
	}
	for i, a := range c {
		if a.ID != i {
			return fmt.Errorf("catalog entry %d has id %d", i, a.ID)
		}
	}
	if len(c[0].Indexes) != 0 {
		return errors.New("action 0 must be the empty configuration")
	}
	return nil
}

// Configuration is the index set in effect after an action.
type Configuration struct {
	Action  int
	Indexes []string
}

// IndexStore is the subset of the store the controller needs.
type IndexStore interface {
	ReplaceManagedIndexes(ctx context.Context, want []store.Index) error
	ManagedIndexes(ctx context.Context) ([]string, error)
}

// Controller applies catalog actions to a store.
type Controller struct {
	store   IndexStore
	catalog Catalog
	logger  *slog.Logger
}

// NewController returns a controller over s. A nil catalog uses
// DefaultCatalog.
func NewController(s IndexStore, catalog Catalog, logger *slog.Logger) (*Controller, error) {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	if err := catalog.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{store: s, catalog: catalog, logger: logger}, nil
}

// NumActions returns the number of actions, including the baseline.
func (c *Controller) NumActions() int {
	return len(c.catalog)
}

// Catalog returns the action catalog.
func (c *Controller) Catalog() Catalog {
	return c.catalog
}

// ApplyAction drops every managed index and creates the action's set. Out of
// range ids fail with ErrInvalidAction and leave the store untouched.
func (c *Controller) ApplyAction(ctx context.Context, action int) (Configuration, error) {
	if action < 0 || action >= len(c.catalog) {
		return Configuration{}, fmt.Errorf("%w: %d not in [0, %d]", ErrInvalidAction, action, len(c.catalog)-1)
	}

	if err := c.store.ReplaceManagedIndexes(ctx, c.catalog[action].Indexes); err != nil {
		return Configuration{}, fmt.Errorf("apply action %d: %w", action, err)
	}

	names, err := c.store.ManagedIndexes(ctx)
	if err != nil {
		return Configuration{}, fmt.Errorf("apply action %d: %w", action, err)
	}

	c.logger.Debug("action applied", "action", action, "indexes", names)
	return Configuration{Action: action, Indexes: names}, nil
}
