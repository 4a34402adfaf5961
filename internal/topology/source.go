package topology

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"grainwatch/internal/config"
)

// Source loads a full topology snapshot.
type Source interface {
	Load(ctx context.Context) (*Tree, error)
}

// StaticSource builds topology from `[topology.organization.*]` config tables.
type StaticSource struct {
	load func() (config.TopologyConfig, error)
}

// NewStaticSource creates source over a fixed topology config.
func NewStaticSource(cfg config.TopologyConfig) *StaticSource {
	return &StaticSource{load: func() (config.TopologyConfig, error) { return cfg, nil }}
}

// NewConfigSource re-reads the config file or directory on every load.
func NewConfigSource(src config.ConfigSource) *StaticSource {
	return &StaticSource{load: func() (config.TopologyConfig, error) {
		cfg, err := config.LoadSnapshot(src)
		if err != nil {
			return config.TopologyConfig{}, err
		}
		return cfg.Topology, nil
	}}
}

// Load flattens nested config tables into a tree.
// Params: ctx is unused; config is read from memory or disk.
// Returns: validated tree or first structural error.
func (s *StaticSource) Load(_ context.Context) (*Tree, error) {
	topologyCfg, err := s.load()
	if err != nil {
		return nil, fmt.Errorf("load topology config: %w", err)
	}
	var (
		orgs      []Organization
		sites     []Site
		compounds []Compound
		cells     []Cell
	)
	for _, orgID := range sortedKeys(topologyCfg.Organization) {
		org := topologyCfg.Organization[orgID]
		orgs = append(orgs, Organization{ID: orgID, Name: nameOr(org.Name, orgID)})
		for _, siteID := range sortedKeys(org.Site) {
			site := org.Site[siteID]
			sites = append(sites, Site{ID: siteID, OrganizationID: orgID, Name: nameOr(site.Name, siteID)})
			for _, compoundID := range sortedKeys(site.Compound) {
				compound := site.Compound[compoundID]
				compounds = append(compounds, Compound{ID: compoundID, SiteID: siteID, Name: nameOr(compound.Name, compoundID)})
				for _, cellID := range sortedKeys(compound.Cell) {
					cell := compound.Cell[cellID]
					cells = append(cells, Cell{
						ID:            cellID,
						CompoundID:    compoundID,
						Name:          nameOr(cell.Name, cellID),
						CommodityType: cell.CommodityType,
						Sensors:       append([]string(nil), cell.Sensors...),
					})
				}
			}
		}
	}
	return NewTree(orgs, sites, compounds, cells)
}

const (
	selectOrganizations = `SELECT id, name FROM organizations ORDER BY id`
	selectSites         = `SELECT id, organization_id, name FROM sites ORDER BY id`
	selectCompounds     = `SELECT id, site_id, name FROM compounds ORDER BY id`
	selectCells         = `SELECT id, compound_id, name, COALESCE(commodity_type, '') FROM cells ORDER BY id`
	selectSensors       = `SELECT id, cell_id FROM sensors WHERE cell_id IS NOT NULL ORDER BY id`
)

// PostgresSource reads topology from organizations/sites/compounds/cells/sensors tables.
type PostgresSource struct {
	db *sql.DB
}

// NewPostgresSource creates database-backed topology source.
func NewPostgresSource(db *sql.DB) *PostgresSource {
	return &PostgresSource{db: db}
}

// Load reads every topology table in one read-only transaction.
// Params: ctx bounds all queries.
// Returns: validated tree or query/structure error.
func (s *PostgresSource) Load(ctx context.Context) (*Tree, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin topology tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var orgs []Organization
	if err := queryRows(ctx, tx, selectOrganizations, func(rows *sql.Rows) error {
		var org Organization
		if err := rows.Scan(&org.ID, &org.Name); err != nil {
			return err
		}
		orgs = append(orgs, org)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("load organizations: %w", err)
	}

	var sites []Site
	if err := queryRows(ctx, tx, selectSites, func(rows *sql.Rows) error {
		var site Site
		if err := rows.Scan(&site.ID, &site.OrganizationID, &site.Name); err != nil {
			return err
		}
		sites = append(sites, site)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("load sites: %w", err)
	}

	var compounds []Compound
	if err := queryRows(ctx, tx, selectCompounds, func(rows *sql.Rows) error {
		var compound Compound
		if err := rows.Scan(&compound.ID, &compound.SiteID, &compound.Name); err != nil {
			return err
		}
		compounds = append(compounds, compound)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("load compounds: %w", err)
	}

	var cells []Cell
	index := make(map[string]int)
	if err := queryRows(ctx, tx, selectCells, func(rows *sql.Rows) error {
		var cell Cell
		if err := rows.Scan(&cell.ID, &cell.CompoundID, &cell.Name, &cell.CommodityType); err != nil {
			return err
		}
		index[cell.ID] = len(cells)
		cells = append(cells, cell)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("load cells: %w", err)
	}

	if err := queryRows(ctx, tx, selectSensors, func(rows *sql.Rows) error {
		var sensorID, cellID string
		if err := rows.Scan(&sensorID, &cellID); err != nil {
			return err
		}
		if i, ok := index[cellID]; ok {
			cells[i].Sensors = append(cells[i].Sensors, sensorID)
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("load sensors: %w", err)
	}

	return NewTree(orgs, sites, compounds, cells)
}

func queryRows(ctx context.Context, tx *sql.Tx, query string, scan func(*sql.Rows) error) error {
	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

func sortedKeys[V any](values map[string]V) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func nameOr(name, fallback string) string {
	if name == "" {
		return fallback
	}
	return name
}
