package registry

import (
	"context"
	"log/slog"
	"testing"

	"github.com/jonboulle/clockwork"

	"github.com/moduleplane/moduleplane/internal/models"
	"github.com/moduleplane/moduleplane/internal/storage"
)

func testRegistry(t *testing.T) (*Registry, storage.Adapter, context.Context) {
	t.Helper()
	store := storage.NewMemory()
	logger := slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
	r := New(store, clockwork.NewFakeClock(), logger)
	return r, store, context.Background()
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func defFor(id, version string) *models.ModuleDefinition {
	return &models.ModuleDefinition{
		ID:      id,
		Name:    id,
		Version: version,
	}
}

func TestRegister_AndGet(t *testing.T) {
	r, _, ctx := testRegistry(t)

	entry, err := r.Register(ctx, defFor("analytics", "1.0.0"))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if entry.Status != models.ModuleInstalled {
		t.Errorf("expected installed, got %s", entry.Status)
	}

	got, ok := r.Get("analytics", "1.0.0")
	if !ok {
		t.Fatal("Get did not find the registered module")
	}
	if got.Definition.Name != "analytics" {
		t.Errorf("unexpected definition: %+v", got.Definition)
	}
}

func TestRegister_DuplicateConflicts(t *testing.T) {
	r, _, ctx := testRegistry(t)

	if _, err := r.Register(ctx, defFor("analytics", "1.0.0")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	_, err := r.Register(ctx, defFor("analytics", "1.0.0"))
	if !models.IsKind(err, models.ErrModuleConflict) {
		t.Errorf("expected MODULE_CONFLICT, got %v", err)
	}

	// A different version of the same id is fine.
	if _, err := r.Register(ctx, defFor("analytics", "1.1.0")); err != nil {
		t.Errorf("second version should register: %v", err)
	}
}

func TestRegister_Validation(t *testing.T) {
	r, _, ctx := testRegistry(t)

	cases := []*models.ModuleDefinition{
		nil,
		{ID: "Bad ID", Version: "1.0.0"},
		{ID: "analytics", Version: "latest"},
		{ID: "analytics", Version: "1.0.0", Dependencies: []models.Dependency{{ModuleID: "dep", Constraint: ">>nope"}}},
		{ID: "analytics", Version: "1.0.0", Dependencies: []models.Dependency{{ModuleID: "dep", Type: "mandatory"}}},
	}
	for i, def := range cases {
		if _, err := r.Register(ctx, def); !models.IsKind(err, models.ErrValidation) {
			t.Errorf("case %d: expected VALIDATION, got %v", i, err)
		}
	}
}

func TestGet_LatestVersionWhenUnspecified(t *testing.T) {
	r, _, ctx := testRegistry(t)

	for _, v := range []string{"1.0.0", "1.10.0", "1.2.0"} {
		if _, err := r.Register(ctx, defFor("analytics", v)); err != nil {
			t.Fatalf("Register %s: %v", v, err)
		}
	}

	got, ok := r.Get("analytics", "")
	if !ok {
		t.Fatal("Get did not find any version")
	}
	if got.Definition.Version != "1.10.0" {
		t.Errorf("expected highest semver 1.10.0, got %s", got.Definition.Version)
	}
}

func TestPromote_SingleActivePerTenant(t *testing.T) {
	r, _, ctx := testRegistry(t)

	_, _ = r.Register(ctx, defFor("analytics", "1.0.0"))
	_, _ = r.Register(ctx, defFor("analytics", "2.0.0"))

	prev, err := r.Promote(ctx, "acme", "analytics", "1.0.0")
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if prev != "" {
		t.Errorf("expected no previous version, got %q", prev)
	}
	if v, ok := r.ActiveVersion("acme", "analytics"); !ok || v != "1.0.0" {
		t.Errorf("active version = %q, %v", v, ok)
	}

	// Promoting 2.0.0 swaps the pointer and demotes 1.0.0.
	prev, err = r.Promote(ctx, "acme", "analytics", "2.0.0")
	if err != nil {
		t.Fatalf("Promote swap: %v", err)
	}
	if prev != "1.0.0" {
		t.Errorf("expected previous 1.0.0, got %q", prev)
	}
	if v, _ := r.ActiveVersion("acme", "analytics"); v != "2.0.0" {
		t.Errorf("active version after swap = %q", v)
	}
	old, _ := r.Get("analytics", "1.0.0")
	if old.Status != models.ModuleInactive {
		t.Errorf("expected demoted entry inactive, got %s", old.Status)
	}
}

func TestPromote_SharedVersionAcrossTenants(t *testing.T) {
	r, _, ctx := testRegistry(t)

	_, _ = r.Register(ctx, defFor("analytics", "1.0.0"))
	_, _ = r.Register(ctx, defFor("analytics", "2.0.0"))

	if _, err := r.Promote(ctx, "acme", "analytics", "1.0.0"); err != nil {
		t.Fatalf("Promote acme: %v", err)
	}
	if _, err := r.Promote(ctx, "globex", "analytics", "1.0.0"); err != nil {
		t.Fatalf("Promote globex: %v", err)
	}

	// acme moves on; 1.0.0 stays active because globex still uses it.
	if _, err := r.Promote(ctx, "acme", "analytics", "2.0.0"); err != nil {
		t.Fatalf("Promote acme 2.0.0: %v", err)
	}
	old, _ := r.Get("analytics", "1.0.0")
	if old.Status != models.ModuleActive {
		t.Errorf("expected 1.0.0 to remain active for globex, got %s", old.Status)
	}
}

func TestDemote(t *testing.T) {
	r, _, ctx := testRegistry(t)

	_, _ = r.Register(ctx, defFor("analytics", "1.0.0"))
	_, _ = r.Promote(ctx, "acme", "analytics", "1.0.0")

	version, err := r.Demote(ctx, "acme", "analytics", models.ModuleInactive)
	if err != nil {
		t.Fatalf("Demote: %v", err)
	}
	if version != "1.0.0" {
		t.Errorf("expected demoted version 1.0.0, got %q", version)
	}
	if _, ok := r.ActiveVersion("acme", "analytics"); ok {
		t.Error("pointer should be cleared after demote")
	}
	entry, _ := r.Get("analytics", "1.0.0")
	if entry.Status != models.ModuleInactive {
		t.Errorf("expected inactive, got %s", entry.Status)
	}

	// Demoting again is a no-op.
	version, err = r.Demote(ctx, "acme", "analytics", models.ModuleInactive)
	if err != nil || version != "" {
		t.Errorf("second demote = %q, %v", version, err)
	}
}

func TestSetStatus_RejectsActive(t *testing.T) {
	r, _, ctx := testRegistry(t)
	_, _ = r.Register(ctx, defFor("analytics", "1.0.0"))

	err := r.SetStatus(ctx, "analytics", "1.0.0", models.ModuleActive)
	if !models.IsKind(err, models.ErrValidation) {
		t.Errorf("expected VALIDATION for direct active set, got %v", err)
	}
	if err := r.SetStatus(ctx, "analytics", "1.0.0", models.ModuleDeprecated); err != nil {
		t.Errorf("SetStatus deprecated: %v", err)
	}
}

func TestUnregister_BlockedWhileActive(t *testing.T) {
	r, _, ctx := testRegistry(t)

	_, _ = r.Register(ctx, defFor("analytics", "1.0.0"))
	_, _ = r.Promote(ctx, "acme", "analytics", "1.0.0")

	err := r.Unregister(ctx, "analytics", "1.0.0")
	if !models.IsKind(err, models.ErrModuleConflict) {
		t.Errorf("expected MODULE_CONFLICT, got %v", err)
	}

	_, _ = r.Demote(ctx, "acme", "analytics", models.ModuleInactive)
	if err := r.Unregister(ctx, "analytics", "1.0.0"); err != nil {
		t.Errorf("Unregister after demote: %v", err)
	}
	if _, ok := r.Get("analytics", "1.0.0"); ok {
		t.Error("entry still present after unregister")
	}
}

func TestFind_ByCapability(t *testing.T) {
	r, _, ctx := testRegistry(t)

	def := defFor("search", "1.0.0")
	def.Capabilities = []models.Capability{{ID: "search.index"}}
	_, _ = r.Register(ctx, def)
	_, _ = r.Register(ctx, defFor("analytics", "1.0.0"))

	found := r.Find("search.index")
	if len(found) != 1 || found[0].Definition.ID != "search" {
		t.Errorf("unexpected find result: %+v", found)
	}
}

func TestSubscribe_ReceivesEvents(t *testing.T) {
	r, _, ctx := testRegistry(t)

	ch, cancel := r.Subscribe(8)
	defer cancel()

	_, _ = r.Register(ctx, defFor("analytics", "1.0.0"))
	_, _ = r.Promote(ctx, "acme", "analytics", "1.0.0")

	var kinds []models.RegistryEventKind
	for len(kinds) < 2 {
		select {
		case ev := <-ch:
			kinds = append(kinds, ev.Kind)
		default:
			t.Fatalf("expected 2 events, got %v", kinds)
		}
	}
	if kinds[0] != models.RegistryRegistered || kinds[1] != models.RegistryStatusChanged {
		t.Errorf("unexpected event kinds: %v", kinds)
	}
}

func TestGeneration_BumpsOnChange(t *testing.T) {
	r, _, ctx := testRegistry(t)

	g0 := r.Generation()
	_, _ = r.Register(ctx, defFor("analytics", "1.0.0"))
	if r.Generation() == g0 {
		t.Error("generation did not move after register")
	}
	g1 := r.Generation()
	_ = r.SetStatus(ctx, "analytics", "1.0.0", models.ModuleDeprecated)
	if r.Generation() == g1 {
		t.Error("generation did not move after status change")
	}
}

func TestLoad_RestoresState(t *testing.T) {
	r, store, ctx := testRegistry(t)

	_, _ = r.Register(ctx, defFor("analytics", "1.0.0"))
	_, _ = r.Promote(ctx, "acme", "analytics", "1.0.0")

	logger := slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
	fresh := New(store, clockwork.NewFakeClock(), logger)
	if err := fresh.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}

	entry, ok := fresh.Get("analytics", "1.0.0")
	if !ok || entry.Status != models.ModuleActive {
		t.Errorf("restored entry = %+v, ok=%v", entry, ok)
	}
	if v, ok := fresh.ActiveVersion("acme", "analytics"); !ok || v != "1.0.0" {
		t.Errorf("restored pointer = %q, %v", v, ok)
	}
}
