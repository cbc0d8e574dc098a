package namespace

import (
	"context"
	"sort"

	"github.com/moduleplane/moduleplane/internal/models"
	"github.com/moduleplane/moduleplane/internal/pkg/metrics"
	"github.com/moduleplane/moduleplane/internal/pkg/validate"
	"github.com/moduleplane/moduleplane/internal/storage"
)

// Export captures a namespace subtree in portable form: settings, decrypted
// config, and children ordered by path. The checksum is an HMAC over the
// canonical encoding of the portable fields, so identifiers and timestamps
// regenerated on import do not break verification.
func (m *Manager) Export(ctx context.Context, id string) (*models.NamespaceExport, error) {
	out, err := m.export(ctx, id)
	m.operationVerdict("export", err)
	if err != nil {
		m.record(ctx, id, "namespace.export", nil, false, err.Error())
		return nil, err
	}
	m.record(ctx, id, "namespace.export", map[string]any{"path": out.Namespace.Path, "children": len(out.Children)}, true, "")
	return out, nil
}

func (m *Manager) export(ctx context.Context, id string) (*models.NamespaceExport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.byID[id]
	if !ok {
		return nil, models.Errorf(models.ErrNamespaceNotFound, "namespace %s not found", id)
	}
	if err := m.checkAccess(ctx, n, models.OpExport); err != nil {
		return nil, err
	}

	out, err := m.buildExport(n)
	if err != nil {
		return nil, err
	}
	out.ExportedAt = m.clock.Now().UTC()
	sum, err := m.exportChecksum(out)
	if err != nil {
		return nil, err
	}
	out.Checksum = sum
	return out, nil
}

func (m *Manager) buildExport(n *node) (*models.NamespaceExport, error) {
	cfg, err := revealTree(m.crypto, n.ns.ID, n.cfg)
	if err != nil {
		return nil, err
	}
	out := &models.NamespaceExport{
		Namespace: *cloneNamespace(n.ns),
		Config:    cfg,
	}

	children := make([]*node, 0, len(n.ns.Children))
	for _, childID := range n.ns.Children {
		if child, ok := m.byID[childID]; ok {
			children = append(children, child)
		}
	}
	sort.Slice(children, func(i, j int) bool { return children[i].ns.Path < children[j].ns.Path })
	for _, child := range children {
		ce, err := m.buildExport(child)
		if err != nil {
			return nil, err
		}
		out.Children = append(out.Children, *ce)
	}
	return out, nil
}

// exportChecksum signs the portable payload. IDs, parent links, child id
// lists and metadata are excluded: they change on import while the content
// stays the same.
func (m *Manager) exportChecksum(e *models.NamespaceExport) (string, error) {
	raw, err := canonicalJSON(exportPayload(e))
	if err != nil {
		return "", models.Errorf(models.ErrCritical, "encode export: %v", err)
	}
	return m.crypto.Checksum(raw), nil
}

func exportPayload(e *models.NamespaceExport) map[string]any {
	children := make([]map[string]any, 0, len(e.Children))
	for i := range e.Children {
		children = append(children, exportPayload(&e.Children[i]))
	}
	return map[string]any{
		"path":           e.Namespace.Path,
		"status":         e.Namespace.Status,
		"access_control": e.Namespace.AccessControl,
		"inheritance":    e.Namespace.Inheritance,
		"isolation":      e.Namespace.Isolation,
		"config":         e.Config,
		"children":       children,
	}
}

// Import recreates an exported subtree inside a scope. Existing namespaces
// are never modified: they are reported as skipped and only their missing
// descendants are created. A checksum mismatch rejects the whole import; any
// other failure is per-namespace and the rest of the tree still lands, which
// the result reports explicitly.
func (m *Manager) Import(ctx context.Context, scope models.Scope, export *models.NamespaceExport) *models.ImportResult {
	res := m.runImport(ctx, scope, export)
	verdict := "ok"
	if !res.Success {
		verdict = "refused"
	}
	metrics.NamespaceOperationsTotal.WithLabelValues("import", verdict).Inc()
	m.record(ctx, "", "namespace.import", map[string]any{
		"scope":    scope.String(),
		"imported": len(res.Imported),
		"skipped":  len(res.Skipped),
		"failed":   len(res.Errors),
	}, res.Success, "")
	return res
}

func (m *Manager) runImport(ctx context.Context, scope models.Scope, export *models.NamespaceExport) *models.ImportResult {
	res := &models.ImportResult{}

	if export.Checksum == "" {
		res.Warnings = append(res.Warnings, "import payload is unsigned")
	} else {
		raw, err := canonicalJSON(exportPayload(export))
		if err != nil {
			res.Errors = append(res.Errors, models.Errorf(models.ErrCritical, "encode import payload: %v", err))
			return res
		}
		if !m.crypto.VerifyChecksum(raw, export.Checksum) {
			res.Errors = append(res.Errors, models.NewError(models.ErrValidation, "import checksum mismatch"))
			return res
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if rootID, ok := m.byPath[storage.NamespaceKey(scope.String(), "/")]; ok {
		if err := m.checkAccess(ctx, m.byID[rootID], models.OpImport); err != nil {
			res.Errors = append(res.Errors, models.AsError(err, models.ErrAccessDenied))
			return res
		}
	}

	m.importNode(ctx, scope, export, res)
	res.Success = len(res.Errors) == 0
	return res
}

// importNode creates one namespace and recurses. Called with the manager
// lock held.
func (m *Manager) importNode(ctx context.Context, scope models.Scope, e *models.NamespaceExport, res *models.ImportResult) {
	path := e.Namespace.Path
	if !validate.NamespacePath(path) {
		res.Errors = append(res.Errors, models.Errorf(models.ErrValidation, "invalid namespace path %q", path).WithPath(path))
		return
	}

	key := storage.NamespaceKey(scope.String(), path)
	if _, exists := m.byPath[key]; exists {
		res.Skipped = append(res.Skipped, path)
		res.Warnings = append(res.Warnings, "namespace "+path+" already exists, left untouched")
		m.importChildren(ctx, scope, e, res)
		return
	}

	var parent *node
	if path != "/" {
		parentID, ok := m.byPath[storage.NamespaceKey(scope.String(), parentPathOf(path))]
		if !ok {
			res.Skipped = append(res.Skipped, path)
			res.Warnings = append(res.Warnings, "namespace "+path+" skipped: parent missing")
			return
		}
		parent = m.byID[parentID]
	}

	now := m.clock.Now().UTC()
	ns := &models.Namespace{
		ID:            m.newID(),
		Path:          path,
		ModuleID:      scope.ModuleID,
		TenantID:      scope.TenantID,
		AccessControl: *cloneAccessControl(&e.Namespace.AccessControl),
		Inheritance:   *cloneInheritance(&e.Namespace.Inheritance),
		Isolation:     e.Namespace.Isolation,
		Status:        e.Namespace.Status,
		Metadata:      models.NamespaceMetadata{CreatedAt: now, UpdatedAt: now, Version: 1},
	}
	if ns.Status == "" {
		ns.Status = models.NamespaceActive
	}
	if parent != nil {
		ns.ParentID = parent.ns.ID
		ns.Level = parent.ns.Level + 1
	}
	n := &node{ns: ns, cfg: configTree{}, lastMod: now}

	// Rebuild the config through the same write path semantics as setConfig:
	// isolation transforms per leaf, then the limit check on the final tree.
	tree := configTree{}
	var cfgErr error
	configTree(e.Config).walkLeaves(func(leafKey string, value any) {
		if cfgErr != nil {
			return
		}
		stored, err := applyIsolation(m.crypto, ns, leafKey, value)
		if err != nil {
			cfgErr = err
			return
		}
		tree = tree.set(leafKey, stored)
	})
	if cfgErr == nil {
		limits := ns.Isolation.Sandbox.ResourceLimits
		if !ns.Isolation.Sandbox.Enabled && parent != nil {
			limits = m.effectiveLimits(parent)
		}
		cfgErr = m.checkLimits(n, tree, limits)
	}
	if cfgErr != nil {
		res.Errors = append(res.Errors, models.AsError(cfgErr, models.ErrCritical).WithPath(path))
		res.Skipped = append(res.Skipped, path)
		return
	}
	n.cfg = tree

	m.byID[ns.ID] = n
	m.byPath[key] = ns.ID
	if parent != nil {
		parent.ns.Children = append(parent.ns.Children, ns.ID)
		m.touch(parent)
	}

	if err := m.persistNamespace(ctx, ns); err != nil {
		res.Errors = append(res.Errors, models.AsError(err, models.ErrCritical).WithPath(path))
		return
	}
	if len(n.cfg) > 0 {
		if err := m.persistConfig(ctx, n); err != nil {
			res.Errors = append(res.Errors, models.AsError(err, models.ErrCritical).WithPath(path))
			return
		}
	}
	if parent != nil {
		if err := m.persistNamespace(ctx, parent.ns); err != nil {
			res.Errors = append(res.Errors, models.AsError(err, models.ErrCritical).WithPath(path))
			return
		}
	}

	res.Imported = append(res.Imported, path)
	m.importChildren(ctx, scope, e, res)
}

func (m *Manager) importChildren(ctx context.Context, scope models.Scope, e *models.NamespaceExport, res *models.ImportResult) {
	for i := range e.Children {
		m.importNode(ctx, scope, &e.Children[i], res)
	}
}
