package ingestion

import (
	"errors"
	"fmt"
)

// Stage is one step of a load run.
type Stage string

// Stages of a run, in the only order they may execute.
const (
	StageStart             Stage = "start"
	StageLoadPackages      Stage = "load_packages"
	StageLoadURLs          Stage = "load_urls"
	StageLoadPackageURLs   Stage = "load_package_urls"
	StageLoadVersions      Stage = "load_versions"
	StageLoadUsers         Stage = "load_users"
	StageLoadUserPackages  Stage = "load_user_packages"
	StageLoadUserVersions  Stage = "load_user_versions"
	StageLoadDependencies  Stage = "load_dependencies"
	StageRecordLoadHistory Stage = "record_load_history"
	StageDone              Stage = "done"
)

// Sentinel errors for stage transition validation.
var (
	// ErrInvalidStageTransition indicates a stage was entered out of order.
	ErrInvalidStageTransition = errors.New("invalid stage transition")

	// ErrStageSkippedInTestMode indicates a stage that test mode excludes.
	ErrStageSkippedInTestMode = errors.New("stage is skipped in test mode")
)

var fullPlan = []Stage{
	StageStart,
	StageLoadPackages,
	StageLoadURLs,
	StageLoadPackageURLs,
	StageLoadVersions,
	StageLoadUsers,
	StageLoadUserPackages,
	StageLoadUserVersions,
	StageLoadDependencies,
	StageRecordLoadHistory,
	StageDone,
}

// Entity returns the entity kind a loading stage writes, or "" for the
// bookkeeping stages.
func (s Stage) Entity() EntityKind {
	switch s {
	case StageLoadPackages:
		return EntityPackage
	case StageLoadURLs:
		return EntityURL
	case StageLoadPackageURLs:
		return EntityPackageURL
	case StageLoadVersions:
		return EntityVersion
	case StageLoadUsers:
		return EntityUser
	case StageLoadUserPackages:
		return EntityUserPackage
	case StageLoadUserVersions:
		return EntityUserVersion
	case StageLoadDependencies:
		return EntityDependency
	case StageStart, StageRecordLoadHistory, StageDone:
		return ""
	default:
		return ""
	}
}

// SkippedInTestMode reports whether test mode leaves the stage out. These
// are the largest entity kinds of a snapshot.
func (s Stage) SkippedInTestMode() bool {
	return s == StageLoadUserVersions || s == StageLoadDependencies
}

// Plan returns the stages a run executes, in order.
func Plan(testMode bool) []Stage {
	plan := make([]Stage, 0, len(fullPlan))

	for _, s := range fullPlan {
		if testMode && s.SkippedInTestMode() {
			continue
		}

		plan = append(plan, s)
	}

	return plan
}

// ValidateStageTransition checks that a run may move from one stage to the
// next. A run only ever advances to the immediately following stage of its
// plan: the order encodes the dependency graph between entity kinds, and a
// version loaded before its packages would leave every row orphaned.
func ValidateStageTransition(from, to Stage, testMode bool) error {
	if testMode && to.SkippedInTestMode() {
		return fmt.Errorf("%w: %s", ErrStageSkippedInTestMode, to)
	}

	plan := Plan(testMode)

	for i := 0; i < len(plan)-1; i++ {
		if plan[i] == from {
			if plan[i+1] != to {
				return fmt.Errorf("%w: %s → %s (expected %s)", ErrInvalidStageTransition, from, to, plan[i+1])
			}

			return nil
		}
	}

	return fmt.Errorf("%w: %s → %s", ErrInvalidStageTransition, from, to)
}
