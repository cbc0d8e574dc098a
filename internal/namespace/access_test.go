package namespace

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moduleplane/moduleplane/internal/identity"
	"github.com/moduleplane/moduleplane/internal/models"
)

func user(id string, roles ...string) *models.Principal {
	return &models.Principal{Type: models.PrincipalUser, ID: id, Roles: roles}
}

func userCtx(p *models.Principal) context.Context {
	return identity.WithPrincipal(context.Background(), p)
}

func TestEvaluateAccessOrder(t *testing.T) {
	mallory := user("mallory")

	tests := []struct {
		name    string
		ac      models.AccessControl
		op      string
		allowed bool
	}{
		{
			name:    "default deny",
			ac:      models.AccessControl{},
			op:      models.OpRead,
			allowed: false,
		},
		{
			name: "blocked beats allowed",
			ac: models.AccessControl{
				BlockedOperations: []string{models.OpWrite},
				AllowedOperations: []string{models.OpWrite},
			},
			op:      models.OpWrite,
			allowed: false,
		},
		{
			name: "blocked beats permission",
			ac: models.AccessControl{
				BlockedOperations: []string{models.OpWrite},
				Permissions: []models.Permission{
					{Type: models.PrincipalUser, Target: "mallory", Operations: []string{models.OpWrite}},
				},
			},
			op:      models.OpWrite,
			allowed: false,
		},
		{
			name:    "allowed operation is open to anyone",
			ac:      models.AccessControl{AllowedOperations: []string{models.OpRead}},
			op:      models.OpRead,
			allowed: true,
		},
		{
			name: "permission grants the named principal",
			ac: models.AccessControl{
				Permissions: []models.Permission{
					{Type: models.PrincipalUser, Target: "mallory", Operations: []string{models.OpRead}},
				},
			},
			op:      models.OpRead,
			allowed: true,
		},
		{
			name: "permission for someone else does not grant",
			ac: models.AccessControl{
				Permissions: []models.Permission{
					{Type: models.PrincipalUser, Target: "alice", Operations: []string{models.OpRead}},
				},
			},
			op:      models.OpRead,
			allowed: false,
		},
		{
			name: "higher priority deny rule wins over allow",
			ac: models.AccessControl{
				AccessRules: []models.AccessRule{
					{ID: "allow-all", Priority: 10, Effect: models.EffectAllow, Operations: []string{models.OpRead}},
					{ID: "deny-read", Priority: 20, Effect: models.EffectDeny, Operations: []string{models.OpRead}},
				},
			},
			op:      models.OpRead,
			allowed: false,
		},
		{
			name: "first matching rule wins, later rules ignored",
			ac: models.AccessControl{
				AccessRules: []models.AccessRule{
					{ID: "deny-read", Priority: 5, Effect: models.EffectDeny, Operations: []string{models.OpRead}},
					{ID: "allow-read", Priority: 50, Effect: models.EffectAllow, Operations: []string{models.OpRead}},
				},
			},
			op:      models.OpRead,
			allowed: true,
		},
		{
			name: "rule without operations matches every operation",
			ac: models.AccessControl{
				AccessRules: []models.AccessRule{
					{ID: "open", Priority: 1, Effect: models.EffectAllow},
				},
			},
			op:      models.OpExport,
			allowed: true,
		},
		{
			name: "wildcard operation in permission",
			ac: models.AccessControl{
				Permissions: []models.Permission{
					{Type: models.PrincipalUser, Target: "*", Operations: []string{"*"}},
				},
			},
			op:      models.OpDelete,
			allowed: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			v := evaluateAccess(&tc.ac, mallory, tc.op)
			assert.Equal(t, tc.allowed, v.Allowed, v.Reason)
		})
	}
}

func TestEvaluateAccessConditions(t *testing.T) {
	ac := models.AccessControl{
		Permissions: []models.Permission{
			{
				Type:       models.PrincipalUser,
				Target:     "*",
				Operations: []string{models.OpRead},
				Conditions: map[string]string{"region": "eu", "team": "*"},
			},
		},
	}

	matching := &models.Principal{
		Type: models.PrincipalUser, ID: "alice",
		Attributes: map[string]string{"region": "eu", "team": "payments"},
	}
	assert.True(t, evaluateAccess(&ac, matching, models.OpRead).Allowed)

	wrongRegion := &models.Principal{
		Type: models.PrincipalUser, ID: "alice",
		Attributes: map[string]string{"region": "us", "team": "payments"},
	}
	assert.False(t, evaluateAccess(&ac, wrongRegion, models.OpRead).Allowed)

	missingTeam := &models.Principal{
		Type: models.PrincipalUser, ID: "alice",
		Attributes: map[string]string{"region": "eu"},
	}
	assert.False(t, evaluateAccess(&ac, missingTeam, models.OpRead).Allowed)
}

func TestRoleGrantMatchesAnyPrincipalWithRole(t *testing.T) {
	ac := models.AccessControl{
		Permissions: []models.Permission{
			{Type: models.PrincipalRole, Target: "operator", Operations: []string{models.OpWrite}},
		},
	}

	assert.True(t, evaluateAccess(&ac, user("bob", "operator"), models.OpWrite).Allowed)
	assert.False(t, evaluateAccess(&ac, user("bob", "viewer"), models.OpWrite).Allowed)
}

func TestSamePriorityRulesKeepDeclarationOrder(t *testing.T) {
	ac := models.AccessControl{
		AccessRules: []models.AccessRule{
			{ID: "first", Priority: 10, Effect: models.EffectDeny, Operations: []string{models.OpRead}},
			{ID: "second", Priority: 10, Effect: models.EffectAllow, Operations: []string{models.OpRead}},
		},
	}
	v := evaluateAccess(&ac, user("mallory"), models.OpRead)
	assert.False(t, v.Allowed)
	assert.Contains(t, v.Reason, "first")
}

func TestManagerDeniesExternalPrincipalByDefault(t *testing.T) {
	e := newEnv(t)
	root := e.root(t)
	mallory := userCtx(user("mallory"))

	_, _, err := e.mgr.GetConfig(mallory, root.ID, "anything", nil)
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.ErrAccessDenied))

	err = e.mgr.SetConfig(mallory, root.ID, "k", "v")
	assert.True(t, models.IsKind(err, models.ErrAccessDenied))

	allowed, err := e.mgr.CheckAccess(mallory, root.ID, models.OpRead)
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestManagerGrantViaAccessControlUpdate(t *testing.T) {
	e := newEnv(t)
	root := e.root(t)
	mallory := userCtx(user("mallory"))

	_, err := e.mgr.Update(sysCtx(), root.ID, UpdateSpec{
		AccessControl: &models.AccessControl{
			Permissions: []models.Permission{
				{Type: models.PrincipalUser, Target: "mallory", Operations: []string{models.OpRead, models.OpWrite}},
			},
		},
	})
	require.NoError(t, err)

	require.NoError(t, e.mgr.SetConfig(mallory, root.ID, "greeting", "hello"))
	v, found, err := e.mgr.GetConfig(mallory, root.ID, "greeting", nil)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "hello", v)

	// Export stays denied: the grant named read and write only.
	_, err = e.mgr.Export(mallory, root.ID)
	assert.True(t, models.IsKind(err, models.ErrAccessDenied))
}

func TestOwningScopePrincipalsAreTrusted(t *testing.T) {
	e := newEnv(t)
	root := e.root(t)

	tenant := userCtx(&models.Principal{Type: models.PrincipalTenant, ID: "acme"})
	require.NoError(t, e.mgr.SetConfig(tenant, root.ID, "k", "v"))

	module := userCtx(&models.Principal{Type: models.PrincipalModule, ID: "billing"})
	_, found, err := e.mgr.GetConfig(module, root.ID, "k", nil)
	require.NoError(t, err)
	assert.True(t, found)

	stranger := userCtx(&models.Principal{Type: models.PrincipalTenant, ID: "globex"})
	_, _, err = e.mgr.GetConfig(stranger, root.ID, "k", nil)
	assert.True(t, models.IsKind(err, models.ErrAccessDenied))
}

func TestDeniedReadIsAudited(t *testing.T) {
	e := newEnv(t)
	root := e.root(t)

	_, _, err := e.mgr.GetConfig(userCtx(user("mallory")), root.ID, "secret.key", nil)
	require.Error(t, err)

	entries, err := e.mgr.AuditTrail(sysCtx(), root.ID, time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	var denied *models.AuditEntry
	for _, entry := range entries {
		if entry.Operation == "namespace.config.read" && !entry.Success {
			denied = entry
			break
		}
	}
	require.NotNil(t, denied, "denied read must leave an audit entry")
	assert.Equal(t, "mallory", denied.Principal.ID)
	assert.Contains(t, denied.Error, "denied")
}
