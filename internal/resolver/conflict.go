package resolver

import (
	"fmt"
	"sort"
	"strings"

	"github.com/moduleplane/moduleplane/internal/models"
)

// DetectDeclaredConflicts reports pairs of selected modules that declare
// each other in their conflicts lists. Each pair is reported once regardless
// of which side declares it.
func DetectDeclaredConflicts(defs []*models.ModuleDefinition) []Conflict {
	byID := make(map[string]*models.ModuleDefinition, len(defs))
	for _, def := range defs {
		byID[def.ID] = def
	}

	var conflicts []Conflict
	seen := make(map[string]bool)
	for _, def := range defs {
		for _, conflictID := range def.Conflicts {
			if _, present := byID[conflictID]; !present {
				continue
			}
			key := def.ID + "|" + conflictID
			reverseKey := conflictID + "|" + def.ID
			if seen[key] || seen[reverseKey] {
				continue
			}
			seen[key] = true
			conflicts = append(conflicts, Conflict{
				Kind:          ConflictDeclared,
				ModuleID:      def.ID,
				ConflictingID: conflictID,
			})
		}
	}
	sort.Slice(conflicts, func(i, j int) bool {
		if conflicts[i].ModuleID != conflicts[j].ModuleID {
			return conflicts[i].ModuleID < conflicts[j].ModuleID
		}
		return conflicts[i].ConflictingID < conflicts[j].ConflictingID
	})
	return conflicts
}

// proposeResolutions builds the candidate ways out of a version conflict:
// the dependency at moduleID is pinned to selected, a later edge demands
// newConstraint, and priorConstraints are every constraint already applied
// to the pin. available lists the registered versions, alternatives the IDs
// of other modules providing the same capabilities.
func proposeResolutions(selected string, priorConstraints []string, newConstraint string, available []string, alternatives []string, depType models.DependencyType) []Proposal {
	var proposals []Proposal

	all := append(append([]string(nil), priorConstraints...), newConstraint)
	if merged, err := FindBestVersion(available, joinConstraints(all)); err == nil {
		proposals = append(proposals, Proposal{
			Action:     ActionMerge,
			Version:    merged,
			Confidence: 0.9,
			Reason:     "satisfies every constraint on the pin",
		})
	}

	if best, err := FindBestVersion(available, newConstraint); err == nil && best != selected {
		cmp, cerr := CompareVersions(best, selected)
		if cerr == nil {
			switch {
			case cmp > 0:
				confidence := 0.5
				if SameMajor(selected, best) {
					confidence = 0.75
				}
				proposals = append(proposals, Proposal{
					Action:     ActionUpgrade,
					Version:    best,
					Confidence: confidence,
					Reason:     fmt.Sprintf("raise pin %s to %s", selected, best),
				})
			case cmp < 0:
				proposals = append(proposals, Proposal{
					Action:     ActionDowngrade,
					Version:    best,
					Confidence: 0.4,
					Reason:     fmt.Sprintf("lower pin %s to %s", selected, best),
				})
			}
		}
	}

	for _, alt := range alternatives {
		proposals = append(proposals, Proposal{
			Action:     ActionReplace,
			ModuleID:   alt,
			Confidence: 0.55,
			Reason:     "alternative provider with the same capabilities",
		})
		break
	}

	if depType == models.DependencyOptional {
		proposals = append(proposals, Proposal{
			Action:     ActionExclude,
			Confidence: 0.8,
			Reason:     "dependency is optional",
		})
	}

	sort.SliceStable(proposals, func(i, j int) bool {
		return proposals[i].Confidence > proposals[j].Confidence
	})
	return proposals
}

// chooseProposal picks the proposal a strategy is allowed to auto-apply, or
// nil when the conflict must stand. Conservative only drops optional
// dependencies. Balanced additionally merges and upgrades within the same
// major. Aggressive applies any version shift, including downgrades.
func chooseProposal(strategy Strategy, selected string, proposals []Proposal, depType models.DependencyType) *Proposal {
	for i := range proposals {
		p := &proposals[i]
		switch strategy {
		case StrategyConservative:
			if depType != models.DependencyOptional {
				continue
			}
			if p.Action == ActionExclude || p.Action == ActionReplace {
				return p
			}
		case StrategyBalanced:
			switch p.Action {
			case ActionMerge:
				return p
			case ActionUpgrade:
				if SameMajor(selected, p.Version) {
					return p
				}
			case ActionExclude, ActionReplace:
				if depType == models.DependencyOptional {
					return p
				}
			}
		case StrategyAggressive:
			switch p.Action {
			case ActionMerge, ActionUpgrade, ActionDowngrade, ActionReplace:
				return p
			case ActionExclude:
				if depType == models.DependencyOptional {
					return p
				}
			}
		}
	}
	return nil
}

func joinConstraints(constraints []string) string {
	parts := make([]string, 0, len(constraints))
	for _, c := range constraints {
		if c == "" || c == "*" {
			continue
		}
		parts = append(parts, c)
	}
	if len(parts) == 0 {
		return "*"
	}
	return strings.Join(parts, ", ")
}
