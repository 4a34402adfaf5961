// Package topology models organizations, sites, compounds and cells and resolves trigger scopes.
package topology

import (
	"fmt"
	"sort"

	"grainwatch/internal/domain"
)

// Organization is the tenant root.
type Organization struct {
	ID   string
	Name string
}

// Site belongs to one organization.
type Site struct {
	ID             string
	OrganizationID string
	Name           string
}

// Compound belongs to one site.
type Compound struct {
	ID     string
	SiteID string
	Name   string
}

// Cell is one storage bin with its commodity and assigned sensors.
type Cell struct {
	ID            string
	CompoundID    string
	Name          string
	CommodityType string
	Sensors       []string
}

// CellPath is a cell with all of its ancestors.
type CellPath struct {
	Organization Organization
	Site         Site
	Compound     Compound
	Cell         Cell
}

// Labels returns display names denormalized into alerts.
func (p CellPath) Labels() domain.Labels {
	return domain.Labels{
		SiteName:      p.Site.Name,
		CompoundName:  p.Compound.Name,
		CellName:      p.Cell.Name,
		CommodityType: p.Cell.CommodityType,
	}
}

// Tree is an immutable indexed topology snapshot.
type Tree struct {
	organizations map[string]Organization
	sites         map[string]Site
	compounds     map[string]Compound
	cells         map[string]Cell
	under         map[domain.ScopeType]map[string][]string
	sensorCell    map[string]string
	all           []string
}

// NewTree validates parent links and builds lookup indexes.
// Params: flat node lists from a topology source.
// Returns: immutable tree or error for dangling parents and duplicate ids.
func NewTree(orgs []Organization, sites []Site, compounds []Compound, cells []Cell) (*Tree, error) {
	tree := &Tree{
		organizations: make(map[string]Organization, len(orgs)),
		sites:         make(map[string]Site, len(sites)),
		compounds:     make(map[string]Compound, len(compounds)),
		cells:         make(map[string]Cell, len(cells)),
		under: map[domain.ScopeType]map[string][]string{
			domain.ScopeOrganization: {},
			domain.ScopeSite:         {},
			domain.ScopeCompound:     {},
		},
		sensorCell: make(map[string]string),
	}
	for _, org := range orgs {
		if _, exists := tree.organizations[org.ID]; exists {
			return nil, fmt.Errorf("duplicate organization %q", org.ID)
		}
		tree.organizations[org.ID] = org
	}
	for _, site := range sites {
		if _, ok := tree.organizations[site.OrganizationID]; !ok {
			return nil, fmt.Errorf("site %q references unknown organization %q", site.ID, site.OrganizationID)
		}
		if _, exists := tree.sites[site.ID]; exists {
			return nil, fmt.Errorf("duplicate site %q", site.ID)
		}
		tree.sites[site.ID] = site
	}
	for _, compound := range compounds {
		if _, ok := tree.sites[compound.SiteID]; !ok {
			return nil, fmt.Errorf("compound %q references unknown site %q", compound.ID, compound.SiteID)
		}
		if _, exists := tree.compounds[compound.ID]; exists {
			return nil, fmt.Errorf("duplicate compound %q", compound.ID)
		}
		tree.compounds[compound.ID] = compound
	}
	for _, cell := range cells {
		compound, ok := tree.compounds[cell.CompoundID]
		if !ok {
			return nil, fmt.Errorf("cell %q references unknown compound %q", cell.ID, cell.CompoundID)
		}
		if _, exists := tree.cells[cell.ID]; exists {
			return nil, fmt.Errorf("duplicate cell %q", cell.ID)
		}
		for _, sensor := range cell.Sensors {
			if other, exists := tree.sensorCell[sensor]; exists {
				return nil, fmt.Errorf("sensor %q assigned to cells %q and %q", sensor, other, cell.ID)
			}
			tree.sensorCell[sensor] = cell.ID
		}
		tree.cells[cell.ID] = cell
		site := tree.sites[compound.SiteID]
		tree.under[domain.ScopeCompound][compound.ID] = append(tree.under[domain.ScopeCompound][compound.ID], cell.ID)
		tree.under[domain.ScopeSite][site.ID] = append(tree.under[domain.ScopeSite][site.ID], cell.ID)
		tree.under[domain.ScopeOrganization][site.OrganizationID] = append(tree.under[domain.ScopeOrganization][site.OrganizationID], cell.ID)
		tree.all = append(tree.all, cell.ID)
	}
	for _, index := range tree.under {
		for _, ids := range index {
			sort.Strings(ids)
		}
	}
	sort.Strings(tree.all)
	return tree, nil
}

// EmptyTree returns a tree without nodes.
func EmptyTree() *Tree {
	tree, _ := NewTree(nil, nil, nil, nil)
	return tree
}

// Cell returns cell by id.
func (t *Tree) Cell(id string) (Cell, bool) {
	cell, ok := t.cells[id]
	return cell, ok
}

// Path returns cell with its ancestors.
// Params: cell id.
// Returns: full path and false when cell is unknown.
func (t *Tree) Path(cellID string) (CellPath, bool) {
	cell, ok := t.cells[cellID]
	if !ok {
		return CellPath{}, false
	}
	compound := t.compounds[cell.CompoundID]
	site := t.sites[compound.SiteID]
	return CellPath{
		Organization: t.organizations[site.OrganizationID],
		Site:         site,
		Compound:     compound,
		Cell:         cell,
	}, true
}

// OrganizationOf returns the organization id owning a scope node.
// Params: scope type and node id.
// Returns: organization id and false when node is unknown.
func (t *Tree) OrganizationOf(scopeType domain.ScopeType, id string) (string, bool) {
	switch scopeType {
	case domain.ScopeOrganization:
		_, ok := t.organizations[id]
		return id, ok
	case domain.ScopeSite:
		site, ok := t.sites[id]
		return site.OrganizationID, ok
	case domain.ScopeCompound:
		compound, ok := t.compounds[id]
		if !ok {
			return "", false
		}
		return t.sites[compound.SiteID].OrganizationID, true
	case domain.ScopeCell:
		path, ok := t.Path(id)
		return path.Organization.ID, ok
	default:
		return "", false
	}
}

// CellsUnder returns cell ids transitively under a scope node.
// Params: ORGANIZATION/SITE/COMPOUND/CELL scope and node id.
// Returns: sorted cell ids, nil for unknown nodes.
func (t *Tree) CellsUnder(scopeType domain.ScopeType, id string) []string {
	if scopeType == domain.ScopeCell {
		if _, ok := t.cells[id]; ok {
			return []string{id}
		}
		return nil
	}
	return t.under[scopeType][id]
}

// AllCells returns every cell id.
func (t *Tree) AllCells() []string {
	return t.all
}

// CellForSensor resolves sensor assignment.
func (t *Tree) CellForSensor(sensorID string) (string, bool) {
	cellID, ok := t.sensorCell[sensorID]
	return cellID, ok
}

// Size returns node counts (organizations, sites, compounds, cells).
func (t *Tree) Size() (int, int, int, int) {
	return len(t.organizations), len(t.sites), len(t.compounds), len(t.cells)
}
