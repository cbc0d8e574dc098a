package activation

import (
	"context"
	"log/slog"

	"github.com/moduleplane/moduleplane/internal/models"
)

// Loader fetches a module's artifact. Implementations must be deterministic:
// the same (moduleID, version) always yields the same digest, and the engine
// verifies it against the manifest before the artifact is used.
type Loader interface {
	Fetch(ctx context.Context, moduleID, version string) (*models.Artifact, error)
}

// MigrationRunner applies and reverses module migrations. Only additive
// migrations reach Apply; Rollback runs a migration's rollbackScript and is
// only invoked when one is declared.
type MigrationRunner interface {
	Apply(ctx context.Context, moduleID, version string, m models.Migration) error
	Rollback(ctx context.Context, moduleID, version string, m models.Migration) error
}

// Isolator is the namespace side of an activation. EnsureScope creates the
// scope's root namespace and sandbox with the module's declared quotas if it
// does not exist yet; ConfigSnapshot returns the scope's current root config
// as a nested map for schema validation and cache warming, nil when the
// scope has no namespace.
type Isolator interface {
	EnsureScope(ctx context.Context, scope models.Scope, quotas models.ResourceLimits) (*models.Namespace, error)
	ConfigSnapshot(ctx context.Context, scope models.Scope) (map[string]any, error)
}

// LogMigrationRunner is the default MigrationRunner: it records each
// migration in the log and succeeds. Deployments with a real schema store
// inject their own runner.
type LogMigrationRunner struct {
	Logger *slog.Logger
}

var _ MigrationRunner = (*LogMigrationRunner)(nil)

func (r *LogMigrationRunner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *LogMigrationRunner) Apply(ctx context.Context, moduleID, version string, m models.Migration) error {
	r.logger().Info("migration applied",
		"module_id", moduleID,
		"module_version", version,
		"migration", m.Version,
		"description", m.Description)
	return nil
}

func (r *LogMigrationRunner) Rollback(ctx context.Context, moduleID, version string, m models.Migration) error {
	r.logger().Info("migration rolled back",
		"module_id", moduleID,
		"module_version", version,
		"migration", m.Version)
	return nil
}
