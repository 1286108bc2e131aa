// Package navigation builds the capability-filtered sidebar.
package navigation

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/pitabwire/nexusbff/model"
)

// DefaultItems returns the built-in sidebar in display order.
func DefaultItems() []model.NavItem {
	return []model.NavItem{
		{ID: "dashboard", Icon: "layout-dashboard", Label: "Dashboard", Path: "/", Capability: model.CapPageShipments},
		{ID: "fleet", Icon: "truck", Label: "Fleet", Path: "/fleet", Capability: model.CapPageFleet},
		{ID: "warehouse", Icon: "box", Label: "Warehouse", Path: "/warehouse", Capability: model.CapPageWarehouse},
		{ID: "shipments", Icon: "package", Label: "Shipments", Path: "/shipments", Capability: model.CapPageShipments, BadgeResource: "shipments"},
		{ID: "map", Icon: "map", Label: "Live Map", Path: "/map", Capability: model.CapPageMap},
		{ID: "analytics", Icon: "bar-chart-3", Label: "Analytics", Path: "/analytics", Capability: model.CapPageAnalytics},
		{ID: "telematics", Icon: "fuel", Label: "Telematics", Path: "/telematics", Capability: model.CapPageTelematics},
		{ID: "driver", Icon: "user-circle", Label: "Driver Portal", Path: "/driver", Capability: model.CapPageDriver},
		{ID: "sustainability", Icon: "leaf", Label: "Sustainability", Path: "/sustainability", Capability: model.CapPageSustainability},
		{ID: "compliance", Icon: "shield", Label: "Compliance", Path: "/compliance", Capability: model.CapPageCompliance},
		{ID: "settings", Icon: "settings", Label: "Settings", Path: "/settings", Capability: model.CapPageSettings},
	}
}

// VisibleItems returns the items whose capability is granted, in declared
// order. Items without a capability are always visible.
func VisibleItems(items []model.NavItem, caps model.CapabilitySet) []model.NavItem {
	out := make([]model.NavItem, 0, len(items))
	for _, item := range items {
		if item.Capability != "" && !caps.Has(item.Capability) {
			continue
		}
		out = append(out, item)
	}
	return out
}

// LoadItems reads a sidebar definition from a YAML file of the form
//
//	items:
//	  - id: fleet
//	    icon: truck
//	    label: Fleet
//	    path: /fleet
//	    capability: page:fleet:view
func LoadItems(path string) ([]model.NavItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("navigation: reading %s: %w", path, err)
	}
	var file struct {
		Items []model.NavItem `yaml:"items"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("navigation: parsing %s: %w", path, err)
	}
	if err := validateItems(file.Items); err != nil {
		return nil, fmt.Errorf("navigation: %s: %w", path, err)
	}
	return file.Items, nil
}

func validateItems(items []model.NavItem) error {
	if len(items) == 0 {
		return fmt.Errorf("no items defined")
	}
	seen := make(map[string]bool, len(items))
	for i, item := range items {
		if item.Label == "" || item.Path == "" {
			return fmt.Errorf("item %d: label and path are required", i)
		}
		if seen[item.Path] {
			return fmt.Errorf("item %d: duplicate path %q", i, item.Path)
		}
		seen[item.Path] = true
	}
	return nil
}

// BadgeCounter counts the pending records of a resource for the badge next
// to a navigation label.
type BadgeCounter interface {
	PendingCount(ctx context.Context, resource string) (int, error)
}

// Provider serves the navigation tree of the current user.
type Provider struct {
	items  []model.NavItem
	badges BadgeCounter
	logger *zap.Logger
}

// NewProvider creates a Provider over items. badges may be nil.
func NewProvider(items []model.NavItem, badges BadgeCounter, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if items == nil {
		items = DefaultItems()
	}
	return &Provider{items: items, badges: badges, logger: logger}
}

// Tree builds the navigation payload for rctx. Badge counts are best effort:
// a failing count omits the badge, except that a backend rejection of the
// session is returned so the caller can end it.
func (p *Provider) Tree(ctx context.Context, rctx *model.RequestContext, caps model.CapabilitySet) (model.NavigationTree, error) {
	visible := VisibleItems(p.items, caps)

	tree := model.NavigationTree{Items: make([]model.NavigationNode, 0, len(visible))}
	for _, item := range visible {
		node := model.NavigationNode{
			ID:    item.ID,
			Icon:  item.Icon,
			Label: item.Label,
			Path:  item.Path,
		}
		if item.BadgeResource != "" {
			badge, err := p.resolveBadge(ctx, item)
			if err != nil {
				return model.NavigationTree{}, err
			}
			node.Badge = badge
		}
		tree.Items = append(tree.Items, node)
	}
	if rctx != nil {
		tree.User = model.NavigationUser{DisplayName: rctx.DisplayName, Role: rctx.Role.String()}
	}
	return tree, nil
}

func (p *Provider) resolveBadge(ctx context.Context, item model.NavItem) (*model.BadgeDescriptor, error) {
	if p.badges == nil {
		return nil, nil
	}
	count, err := p.badges.PendingCount(ctx, item.BadgeResource)
	if model.IsAuthError(err) {
		return nil, err
	}
	if err != nil {
		p.logger.Debug("navigation: badge resolution failed",
			zap.String("item", item.ID),
			zap.String("resource", item.BadgeResource),
			zap.Error(err),
		)
		return nil, nil
	}
	if count <= 0 {
		return nil, nil
	}
	return &model.BadgeDescriptor{Count: count, Style: "warning"}, nil
}
