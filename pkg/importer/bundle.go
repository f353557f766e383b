package importer

import (
	"path"
	"sort"
	"strings"

	"github.com/jdziat/importflow/pkg/core"
)

// deriveBundleAssociations maps each directory's primary file to its
// auxiliary data files. Within a directory, the lexicographically first
// non-.txt file is the primary and every .txt file is an auxiliary.
// Directories lacking either side contribute nothing.
func deriveBundleAssociations(entries []core.Entry) map[string][]string {
	type group struct {
		primaries   []string
		auxiliaries []string
	}
	groups := make(map[string]*group)

	for i := range entries {
		rel := strings.ReplaceAll(entries[i].RelativePath, `\`, "/")
		dir := path.Dir(rel)
		g, ok := groups[dir]
		if !ok {
			g = &group{}
			groups[dir] = g
		}
		if strings.EqualFold(path.Ext(rel), ".txt") {
			g.auxiliaries = append(g.auxiliaries, entries[i].RelativePath)
		} else {
			g.primaries = append(g.primaries, entries[i].RelativePath)
		}
	}

	associations := make(map[string][]string)
	for _, g := range groups {
		if len(g.primaries) == 0 || len(g.auxiliaries) == 0 {
			continue
		}
		sort.Strings(g.primaries)
		sort.Strings(g.auxiliaries)
		associations[g.primaries[0]] = g.auxiliaries
	}
	return associations
}

// auxiliaryPaths returns the set of all auxiliary paths in the associations.
func auxiliaryPaths(associations map[string][]string) map[string]bool {
	aux := make(map[string]bool)
	for _, list := range associations {
		for _, rel := range list {
			aux[rel] = true
		}
	}
	return aux
}
