package library

import (
	"slices"

	"github.com/MrWong99/ambiance/internal/config"
)

// Groups resolves group ids to their member element ids.
type Groups map[string][]string

// NewGroups indexes the configured groups.
func NewGroups(groups []config.GroupConfig) Groups {
	g := make(Groups, len(groups))
	for _, gc := range groups {
		g[gc.ID] = slices.Clone(gc.Members)
	}
	return g
}

// Members returns a copy of the members of groupID, or nil when unknown.
func (g Groups) Members(groupID string) []string {
	return slices.Clone(g[groupID])
}
