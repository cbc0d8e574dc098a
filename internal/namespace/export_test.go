package namespace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moduleplane/moduleplane/internal/models"
)

// exportFixture builds /features with a paranoid /features/secrets child and
// some config on both.
func exportFixture(t *testing.T, e *env) *models.Namespace {
	t.Helper()
	features := e.child(t, "/features")
	_, err := e.mgr.Create(sysCtx(), e.scope(), CreateSpec{
		Path:      "/features/secrets",
		Isolation: &models.IsolationConfig{Level: models.IsolationParanoid},
	})
	require.NoError(t, err)

	ctx := sysCtx()
	require.NoError(t, e.mgr.SetConfig(ctx, features.ID, "flags.search", true))
	require.NoError(t, e.mgr.SetConfig(ctx, features.ID, "flags.limit", "100"))
	secrets, err := e.mgr.Resolve(ctx, e.scope(), "/features/secrets")
	require.NoError(t, err)
	require.NoError(t, e.mgr.SetConfig(ctx, secrets.ID, "api.token", "tok-1"))
	return features
}

func TestExportCarriesDecryptedSubtree(t *testing.T) {
	e := newEnv(t)
	features := exportFixture(t, e)

	export, err := e.mgr.Export(sysCtx(), features.ID)
	require.NoError(t, err)

	assert.Equal(t, "/features", export.Namespace.Path)
	assert.NotEmpty(t, export.Checksum)
	assert.Equal(t, e.clock.Now().UTC(), export.ExportedAt)
	assert.Equal(t, map[string]any{"flags": map[string]any{"search": true, "limit": "100"}}, export.Config)

	require.Len(t, export.Children, 1)
	child := export.Children[0]
	assert.Equal(t, "/features/secrets", child.Namespace.Path)
	assert.Equal(t, map[string]any{"api": map[string]any{"token": "tok-1"}}, child.Config,
		"exports carry plaintext so they stay portable across installations")
	assert.Empty(t, child.Checksum, "only the export root is signed")
}

func TestExportImportRoundTripPreservesChecksum(t *testing.T) {
	e := newEnv(t)
	features := exportFixture(t, e)

	export, err := e.mgr.Export(sysCtx(), features.ID)
	require.NoError(t, err)

	target := models.Scope{ModuleID: "billing", TenantID: "globex"}
	_, err = e.mgr.EnsureScope(sysCtx(), target, models.ResourceLimits{})
	require.NoError(t, err)

	res := e.mgr.Import(sysCtx(), target, export)
	require.True(t, res.Success, "errors: %v", res.Errors)
	assert.Equal(t, []string{"/features", "/features/secrets"}, res.Imported)
	assert.Empty(t, res.Skipped)

	imported, err := e.mgr.Resolve(sysCtx(), target, "/features")
	require.NoError(t, err)
	reExport, err := e.mgr.Export(sysCtx(), imported.ID)
	require.NoError(t, err)
	assert.Equal(t, export.Checksum, reExport.Checksum,
		"canonical payload must survive an import byte for byte")

	// The secret was re-encrypted for the new namespace yet reads the same.
	secrets, err := e.mgr.Resolve(sysCtx(), target, "/features/secrets")
	require.NoError(t, err)
	v, found, err := e.mgr.GetConfig(sysCtx(), secrets.ID, "api.token", nil)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "tok-1", v)
}

func TestImportChecksumMismatchRejectsEverything(t *testing.T) {
	e := newEnv(t)
	features := exportFixture(t, e)

	export, err := e.mgr.Export(sysCtx(), features.ID)
	require.NoError(t, err)
	export.Config["flags"].(map[string]any)["search"] = false // tamper

	target := models.Scope{ModuleID: "billing", TenantID: "globex"}
	_, err = e.mgr.EnsureScope(sysCtx(), target, models.ResourceLimits{})
	require.NoError(t, err)
	before := len(e.mgr.List(sysCtx(), target))

	res := e.mgr.Import(sysCtx(), target, export)
	assert.False(t, res.Success)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, models.ErrValidation, res.Errors[0].Kind)
	assert.Empty(t, res.Imported)
	assert.Len(t, e.mgr.List(sysCtx(), target), before, "nothing may land on a bad signature")
}

func TestUnsignedImportAppliesWithWarning(t *testing.T) {
	e := newEnv(t)
	features := exportFixture(t, e)

	export, err := e.mgr.Export(sysCtx(), features.ID)
	require.NoError(t, err)
	export.Checksum = ""

	target := models.Scope{ModuleID: "billing", TenantID: "globex"}
	_, err = e.mgr.EnsureScope(sysCtx(), target, models.ResourceLimits{})
	require.NoError(t, err)

	res := e.mgr.Import(sysCtx(), target, export)
	assert.True(t, res.Success)
	assert.NotEmpty(t, res.Imported)
	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[0], "unsigned")
}

func TestImportSkipsExistingAndStillCreatesChildren(t *testing.T) {
	e := newEnv(t)
	features := exportFixture(t, e)

	export, err := e.mgr.Export(sysCtx(), features.ID)
	require.NoError(t, err)

	target := models.Scope{ModuleID: "billing", TenantID: "globex"}
	_, err = e.mgr.EnsureScope(sysCtx(), target, models.ResourceLimits{})
	require.NoError(t, err)
	pre, err := e.mgr.Create(sysCtx(), target, CreateSpec{Path: "/features"})
	require.NoError(t, err)
	require.NoError(t, e.mgr.SetConfig(sysCtx(), pre.ID, "keep", "me"))

	res := e.mgr.Import(sysCtx(), target, export)
	assert.True(t, res.Success)
	assert.Equal(t, []string{"/features/secrets"}, res.Imported)
	assert.Equal(t, []string{"/features"}, res.Skipped)

	// The existing namespace kept its config untouched.
	v, found, err := e.mgr.GetConfig(sysCtx(), pre.ID, "keep", nil)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "me", v)
	_, found, err = e.mgr.GetConfig(sysCtx(), pre.ID, "flags.search", nil)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestImportPartialOnLimitBreach(t *testing.T) {
	e := newEnv(t)

	big := e.child(t, "/big", func(spec *CreateSpec) {
		spec.Isolation = &models.IsolationConfig{
			Level:   models.IsolationBasic,
			Sandbox: models.SandboxConfig{Enabled: true, ResourceLimits: models.ResourceLimits{MaxConfigKeys: 10}},
		}
	})
	small := e.child(t, "/small")
	ctx := sysCtx()
	require.NoError(t, e.mgr.SetConfig(ctx, big.ID, "a", 1))
	require.NoError(t, e.mgr.SetConfig(ctx, big.ID, "b", 2))
	require.NoError(t, e.mgr.SetConfig(ctx, small.ID, "c", 3))

	exBig, err := e.mgr.Export(ctx, big.ID)
	require.NoError(t, err)
	exSmall, err := e.mgr.Export(ctx, small.ID)
	require.NoError(t, err)

	// Tighten the sandbox below the payload before importing elsewhere.
	exBig.Namespace.Isolation.Sandbox.ResourceLimits.MaxConfigKeys = 1
	exBig.Checksum = "" // edited payload, import unsigned

	target := models.Scope{ModuleID: "billing", TenantID: "globex"}
	_, err = e.mgr.EnsureScope(ctx, target, models.ResourceLimits{})
	require.NoError(t, err)

	resBig := e.mgr.Import(ctx, target, exBig)
	assert.False(t, resBig.Success)
	require.Len(t, resBig.Errors, 1)
	assert.Equal(t, models.ErrResourceLimit, resBig.Errors[0].Kind)
	assert.Contains(t, resBig.Skipped, "/big")

	resSmall := e.mgr.Import(ctx, target, exSmall)
	assert.True(t, resSmall.Success, "an earlier failed import must not poison later ones")
	assert.Equal(t, []string{"/small"}, resSmall.Imported)
}
