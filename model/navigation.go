package model

// NavItem is one entry of the static sidebar definition. Capability is the key
// that must be granted for the item to be shown; an empty key is always shown.
type NavItem struct {
	ID         string `json:"id" yaml:"id"`
	Icon       string `json:"icon" yaml:"icon"`
	Label      string `json:"label" yaml:"label"`
	Path       string `json:"path" yaml:"path"`
	Capability string `json:"-" yaml:"capability"`

	// BadgeResource names a query resource whose pending count is shown next
	// to the label.
	BadgeResource string `json:"-" yaml:"badge_resource,omitempty"`
}

// NavigationTree is the navigation payload returned to the browser.
type NavigationTree struct {
	Items []NavigationNode `json:"items"`
	User  NavigationUser   `json:"user"`
}

// NavigationNode is a visible navigation entry.
type NavigationNode struct {
	ID    string           `json:"id"`
	Icon  string           `json:"icon"`
	Label string           `json:"label"`
	Path  string           `json:"path"`
	Badge *BadgeDescriptor `json:"badge,omitempty"`
}

// BadgeDescriptor describes a count badge on a navigation item.
type BadgeDescriptor struct {
	Count int    `json:"count"`
	Style string `json:"style"`
}

// NavigationUser is shown in the sidebar footer.
type NavigationUser struct {
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}
