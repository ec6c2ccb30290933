// Package mounts plans, applies and observes the mergerfs union mounts that
// make up the merged tree.
package mounts

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/sawamura-io/ssmerge/internal/pathutil"
	"github.com/sawamura-io/ssmerge/internal/priority"
	"github.com/sawamura-io/ssmerge/internal/volumes"
)

// Branch-link name prefixes. Lexical order doubles as branch order: the
// primary override sorts first, secondary overrides next, sources last.
const (
	overridePrimaryLinkName = "00_override_primary"
	overrideLinkPrefix      = "01_override_"
	sourceLinkPrefix        = "10_source_"
)

// SourceBranch is one per-source title directory feeding a group.
type SourceBranch struct {
	// SourceName is the directory name the chapters came from (the scan
	// group under a volume).
	SourceName string

	// SourcePath is the absolute per-source title directory.
	SourcePath string
}

// BranchLink is one symlink under the group's link directory.
type BranchLink struct {
	// LinkPath is the symlink location, a strict child of the group link
	// directory.
	LinkPath string

	// TargetPath is what the symlink points at.
	TargetPath string

	// ReadWrite marks the branch RW in the branch specification.
	ReadWrite bool
}

// Plan is the desired shape of one group's union mount.
type Plan struct {
	// MountPoint is the merged-tree directory for the canonical title.
	MountPoint string

	// GroupID names the per-group link directory.
	GroupID string

	// LinksDir is branchLinksRoot/GroupID.
	LinksDir string

	// DesiredIdentity is the opaque token recorded as fsname= so the
	// reconciler can detect drift.
	DesiredIdentity string

	// BranchSpecification is the mergerfs branch string built from the
	// link paths.
	BranchSpecification string

	// PreferredOverrideDir receives new override artifacts.
	PreferredOverrideDir string

	// AllOverrideDirs lists every override volume's title directory in
	// volume order, existing or not.
	AllOverrideDirs []string

	// SourceDirs lists the planned source branches in branch order.
	SourceDirs []string

	// Links are the symlinks to materialize, in branch order.
	Links []BranchLink
}

// PlanRequest carries one title group into the planner.
type PlanRequest struct {
	CanonicalTitle  string
	GroupKey        string
	OverrideVolumes []volumes.Volume
	Sources         []SourceBranch
}

// PlannerConfig configures a Planner.
type PlannerConfig struct {
	// MergedRoot hosts the mount points.
	MergedRoot string

	// BranchLinksRoot hosts the per-group link directories.
	BranchLinksRoot string

	// Ranker orders source branches. Nil keeps name order.
	Ranker *priority.Service
}

// Planner derives desired mounts from discovered volumes.
type Planner struct {
	mergedRoot string
	linksRoot  string
	ranker     *priority.Service
}

// NewPlanner builds a Planner.
func NewPlanner(cfg PlannerConfig) *Planner {
	ranker := cfg.Ranker
	if ranker == nil {
		ranker = priority.NewService(nil)
	}

	return &Planner{
		mergedRoot: pathutil.Normalize(cfg.MergedRoot),
		linksRoot:  pathutil.Normalize(cfg.BranchLinksRoot),
		ranker:     ranker,
	}
}

// Plan lays out the union mount for one title group: preferred override
// selection, priority-ordered source branches, link names, branch
// specification and the desired identity token.
func (p *Planner) Plan(req PlanRequest) Plan {
	titleSegment := pathutil.EscapeSegment(req.CanonicalTitle)

	groupID := pathutil.SanitizeLabel(req.CanonicalTitle) + "-" + pathutil.ShortHash(req.GroupKey)
	linksDir := filepath.Join(p.linksRoot, groupID)

	plan := Plan{
		MountPoint: filepath.Join(p.mergedRoot, titleSegment),
		GroupID:    groupID,
		LinksDir:   linksDir,
	}

	overrideDirs := make([]string, 0, len(req.OverrideVolumes))
	for _, vol := range req.OverrideVolumes {
		overrideDirs = append(overrideDirs, filepath.Join(vol.Path, titleSegment))
	}

	plan.AllOverrideDirs = overrideDirs
	plan.PreferredOverrideDir = preferredOverride(overrideDirs)

	if plan.PreferredOverrideDir != "" {
		plan.Links = append(plan.Links, BranchLink{
			LinkPath:   filepath.Join(linksDir, overridePrimaryLinkName),
			TargetPath: plan.PreferredOverrideDir,
			ReadWrite:  true,
		})
	}

	secondaryIdx := 0

	for _, dir := range overrideDirs {
		if dir == plan.PreferredOverrideDir {
			continue
		}

		// Secondary overrides join only when present; a dangling branch
		// would fail the mount.
		if !dirExists(dir) {
			continue
		}

		label := pathutil.SanitizeLabel(filepath.Base(filepath.Dir(dir)))

		plan.Links = append(plan.Links, BranchLink{
			LinkPath:   filepath.Join(linksDir, fmt.Sprintf("%s%s_%03d", overrideLinkPrefix, label, secondaryIdx)),
			TargetPath: dir,
			ReadWrite:  true,
		})

		secondaryIdx++
	}

	ordered := orderSources(req.Sources, p.ranker)

	plan.SourceDirs = make([]string, 0, len(ordered))

	for i, src := range ordered {
		plan.SourceDirs = append(plan.SourceDirs, src.SourcePath)

		label := pathutil.SanitizeLabel(src.SourceName)

		plan.Links = append(plan.Links, BranchLink{
			LinkPath:   filepath.Join(linksDir, fmt.Sprintf("%s%s_%03d", sourceLinkPrefix, label, i)),
			TargetPath: src.SourcePath,
			ReadWrite:  false,
		})
	}

	plan.BranchSpecification = branchSpecification(plan.Links)
	plan.DesiredIdentity = pathutil.ShortHash(req.GroupKey + "|" + plan.BranchSpecification)

	return plan
}

// preferredOverride picks the first directory that already exists, falling
// back to the first volume in configuration order.
func preferredOverride(overrideDirs []string) string {
	for _, dir := range overrideDirs {
		if dirExists(dir) {
			return dir
		}
	}

	if len(overrideDirs) > 0 {
		return overrideDirs[0]
	}

	return ""
}

// orderSources sorts branches by priority rank, then source name, then path.
// The sort is stable so equal branches keep their discovery order.
func orderSources(sources []SourceBranch, ranker *priority.Service) []SourceBranch {
	ordered := make([]SourceBranch, len(sources))
	copy(ordered, sources)

	sort.SliceStable(ordered, func(i, j int) bool {
		ri, rj := ranker.Rank(ordered[i].SourceName), ranker.Rank(ordered[j].SourceName)
		if ri != rj {
			return ri < rj
		}

		if ordered[i].SourceName != ordered[j].SourceName {
			return ordered[i].SourceName < ordered[j].SourceName
		}

		return ordered[i].SourcePath < ordered[j].SourcePath
	})

	return ordered
}

// branchSpecification joins the link paths into the mergerfs branch string.
func branchSpecification(links []BranchLink) string {
	spec := ""

	for i, link := range links {
		if i > 0 {
			spec += ":"
		}

		spec += link.LinkPath

		if link.ReadWrite {
			spec += "=RW"
		} else {
			spec += "=RO"
		}
	}

	return spec
}

// MaterializeLinks makes the plan's link directory match the plan exactly:
// the preferred override target is created when missing, planned symlinks
// are (re)pointed, and stale entries are removed. Warnings cover the
// non-fatal skips.
func (p *Planner) MaterializeLinks(plan Plan) ([]string, error) {
	var warnings []string

	if mkdirErr := os.MkdirAll(plan.LinksDir, 0o755); mkdirErr != nil {
		return warnings, fmt.Errorf("create link dir: %w", mkdirErr)
	}

	if plan.PreferredOverrideDir != "" {
		if mkdirErr := os.MkdirAll(plan.PreferredOverrideDir, 0o755); mkdirErr != nil {
			return warnings, fmt.Errorf("create preferred override dir: %w", mkdirErr)
		}
	}

	desired := make(map[string]string, len(plan.Links))
	for _, link := range plan.Links {
		desired[filepath.Base(link.LinkPath)] = link.TargetPath
	}

	entries, readErr := os.ReadDir(plan.LinksDir)
	if readErr != nil {
		return warnings, fmt.Errorf("enumerate link dir: %w", readErr)
	}

	for _, entry := range entries {
		name := entry.Name()

		if _, wanted := desired[name]; wanted {
			continue
		}

		stalePath := filepath.Join(plan.LinksDir, name)

		if removeErr := os.Remove(stalePath); removeErr != nil {
			warnings = append(warnings, fmt.Sprintf("remove stale link %s: %v", stalePath, removeErr))
		}
	}

	for _, link := range plan.Links {
		current, readLinkErr := os.Readlink(link.LinkPath)
		if readLinkErr == nil && current == link.TargetPath {
			continue
		}

		if readLinkErr == nil || !os.IsNotExist(readLinkErr) {
			// Either points elsewhere or is not a symlink at all.
			if removeErr := os.Remove(link.LinkPath); removeErr != nil && !os.IsNotExist(removeErr) {
				warnings = append(warnings, fmt.Sprintf("replace link %s: %v", link.LinkPath, removeErr))

				continue
			}
		}

		if symlinkErr := os.Symlink(link.TargetPath, link.LinkPath); symlinkErr != nil {
			return warnings, fmt.Errorf("link %s -> %s: %w", link.LinkPath, link.TargetPath, symlinkErr)
		}
	}

	return warnings, nil
}

func dirExists(path string) bool {
	info, statErr := os.Stat(path)

	return statErr == nil && info.IsDir()
}
