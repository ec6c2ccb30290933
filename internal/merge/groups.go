// Package merge implements the merge pass: title grouping, branch planning,
// metadata coordination, mount reconciliation and residual cleanup of the
// merged root.
package merge

import (
	"context"
	"log/slog"
	"path/filepath"
	"sort"

	"github.com/sawamura-io/ssmerge/internal/equiv"
	"github.com/sawamura-io/ssmerge/internal/mounts"
	"github.com/sawamura-io/ssmerge/internal/normalize"
	"github.com/sawamura-io/ssmerge/internal/volumes"
)

// Group is one merged title: the canonical display name, the key it is
// deduplicated by, and the source branches that feed it. Override-only
// titles form groups with no source branches.
type Group struct {
	CanonicalTitle string
	GroupKey       string
	Sources        []mounts.SourceBranch
}

// Discovery is what one grouping sweep over the volume trees found.
type Discovery struct {
	// Groups is sorted by (CanonicalTitle, GroupKey).
	Groups []Group

	SourceVolumes   []volumes.Volume
	OverrideVolumes []volumes.Volume

	// SourceWarnings collects enumeration warnings from the sources tree.
	// A pass that would otherwise succeed is downgraded when any exist,
	// since groups may be missing.
	SourceWarnings []string

	// OverrideWarnings collects enumeration warnings from the override
	// tree. Logged but not escalated: override artifacts regenerate.
	OverrideWarnings []string
}

// GrouperConfig wires a Grouper.
type GrouperConfig struct {
	SourcesRoot  string
	OverrideRoot string

	// ExcludedSources are source directory names that never join groups.
	ExcludedSources []string

	// SceneTags strips release-group suffixes from source title names.
	// Nil strips nothing.
	SceneTags *normalize.SceneTagStripper

	// Catalog resolves raw titles to canonical ones. Nil resolves every
	// title to itself.
	Catalog *equiv.Catalog

	// Logger receives grouping events. Defaults to slog.Default().
	Logger *slog.Logger
}

// Grouper assembles title groups from the source and override volume trees.
type Grouper struct {
	sourcesRoot  string
	overrideRoot string
	excluded     map[string]struct{}
	sceneTags    *normalize.SceneTagStripper
	catalog      *equiv.Catalog
	logger       *slog.Logger
}

// NewGrouper builds a Grouper.
func NewGrouper(cfg GrouperConfig) *Grouper {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	excluded := make(map[string]struct{}, len(cfg.ExcludedSources))
	for _, name := range cfg.ExcludedSources {
		excluded[name] = struct{}{}
	}

	return &Grouper{
		sourcesRoot:  cfg.SourcesRoot,
		overrideRoot: cfg.OverrideRoot,
		excluded:     excluded,
		sceneTags:    cfg.SceneTags,
		catalog:      cfg.Catalog,
		logger:       logger,
	}
}

// Discover enumerates both volume trees and folds the title directories
// into groups. Enumeration failures are warnings, never errors; the error
// is non-nil only for cooperative cancellation.
func (g *Grouper) Discover(ctx context.Context) (Discovery, error) {
	var disc Discovery

	srcVols, srcWarns := volumes.Discover(g.sourcesRoot)
	disc.SourceVolumes = srcVols
	disc.SourceWarnings = append(disc.SourceWarnings, srcWarns...)

	ovVols, ovWarns := volumes.Discover(g.overrideRoot)
	disc.OverrideVolumes = ovVols
	disc.OverrideWarnings = append(disc.OverrideWarnings, ovWarns...)

	byKey := make(map[string]*Group)

	for _, vol := range srcVols {
		if err := ctx.Err(); err != nil {
			return Discovery{}, err
		}

		sourceNames, warns := volumes.SubdirNames(vol.Path)
		disc.SourceWarnings = append(disc.SourceWarnings, warns...)

		for _, sourceName := range sourceNames {
			if _, skip := g.excluded[sourceName]; skip {
				continue
			}

			sourceDir := filepath.Join(vol.Path, sourceName)

			titles, titleWarns := volumes.SubdirNames(sourceDir)
			disc.SourceWarnings = append(disc.SourceWarnings, titleWarns...)

			for _, raw := range titles {
				canonical := g.resolveSource(raw)

				grp := groupFor(byKey, canonical, raw)
				grp.Sources = append(grp.Sources, mounts.SourceBranch{
					SourceName: sourceName,
					SourcePath: filepath.Join(sourceDir, raw),
				})
			}
		}
	}

	for _, vol := range ovVols {
		if err := ctx.Err(); err != nil {
			return Discovery{}, err
		}

		titles, warns := volumes.SubdirNames(vol.Path)
		disc.OverrideWarnings = append(disc.OverrideWarnings, warns...)

		for _, raw := range titles {
			canonical, tagged := g.resolveOverride(raw)
			if tagged {
				// Scene-tagged override directories stay under their own
				// name: folding them into the stripped title would
				// duplicate artifact locations behind the operator's back.
				g.logger.Warn("merge.override.tagged_only",
					slog.String("title", raw),
					slog.String("path", filepath.Join(vol.Path, raw)))
			}

			groupFor(byKey, canonical, raw)
		}
	}

	disc.Groups = sortedGroups(byKey)

	g.logWarnings(disc)
	g.logger.Debug("merge.groups.assembled",
		slog.Int("groups", len(disc.Groups)),
		slog.Int("source_volumes", len(srcVols)),
		slog.Int("override_volumes", len(ovVols)))

	return disc, nil
}

// resolveSource folds a raw source title directory name to its canonical
// title: an exact catalog hit wins, then the scene-tag-stripped name is
// tried against the catalog, then the stripped name stands on its own.
func (g *Grouper) resolveSource(raw string) string {
	if canonical, known := g.tryCatalog(raw); known {
		return canonical
	}

	stripped, _ := g.sceneTags.Strip(raw)

	if canonical, known := g.tryCatalog(stripped); known {
		return canonical
	}

	return stripped
}

// resolveOverride folds an override title directory name. Override names
// are never scene-tag-stripped; tagged reports that stripping would have
// changed the name, which deserves an operator warning.
func (g *Grouper) resolveOverride(raw string) (string, bool) {
	_, tagged := g.sceneTags.Strip(raw)

	if canonical, known := g.tryCatalog(raw); known {
		return canonical, tagged
	}

	return raw, tagged
}

// ResolveOverrideTitle folds an override directory name to its canonical
// title with the same rules Discover applies to override entries. Used by
// force-remount requests, which carry the raw override directory name.
func (g *Grouper) ResolveOverrideTitle(raw string) string {
	canonical, _ := g.resolveOverride(raw)

	return canonical
}

func (g *Grouper) tryCatalog(title string) (string, bool) {
	if g.catalog == nil {
		return "", false
	}

	return g.catalog.TryResolveCanonicalTitle(title)
}

func (g *Grouper) logWarnings(disc Discovery) {
	for _, warning := range disc.SourceWarnings {
		g.logger.Warn("merge.discovery.warning",
			slog.String("tree", "sources"),
			slog.String("warning", warning))
	}

	for _, warning := range disc.OverrideWarnings {
		g.logger.Warn("merge.discovery.warning",
			slog.String("tree", "override"),
			slog.String("warning", warning))
	}
}

// groupFor returns the group for the canonical title, creating it on first
// sight. The first canonical spelling encountered wins; enumeration order
// is sorted at every level, so the winner is deterministic.
func groupFor(byKey map[string]*Group, canonical, raw string) *Group {
	key := normalize.GroupKey(canonical, raw)

	grp, known := byKey[key]
	if !known {
		grp = &Group{CanonicalTitle: canonical, GroupKey: key}
		byKey[key] = grp
	}

	return grp
}

func sortedGroups(byKey map[string]*Group) []Group {
	groups := make([]Group, 0, len(byKey))
	for _, grp := range byKey {
		groups = append(groups, *grp)
	}

	sort.Slice(groups, func(i, j int) bool {
		if groups[i].CanonicalTitle != groups[j].CanonicalTitle {
			return groups[i].CanonicalTitle < groups[j].CanonicalTitle
		}

		return groups[i].GroupKey < groups[j].GroupKey
	})

	return groups
}
