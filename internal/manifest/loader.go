// Package manifest loads module definitions from YAML manifests: a directory
// catalog read at startup, a watcher that hot-reloads changed files into the
// registry, and a file artifact loader with content digests.
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
	sigyaml "sigs.k8s.io/yaml"

	"github.com/moduleplane/moduleplane/internal/models"
	"github.com/moduleplane/moduleplane/internal/pkg/validate"
)

// Parse decodes a manifest payload (single or multi-document YAML) into
// module definitions. Empty documents are skipped; a payload with no
// definitions at all is an error. The returned warnings flag risky settings
// (wildcard permissions, disabled sandboxes) and are advisory.
func Parse(data []byte) ([]*models.ModuleDefinition, []string, error) {
	warnings := validate.ManifestDangerousWarnings(string(data))

	var defs []*models.ModuleDefinition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	for docIdx := 1; ; docIdx++ {
		var doc yaml.Node
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, warnings, models.Errorf(models.ErrValidation, "manifest document %d: %v", docIdx, err)
		}
		if doc.IsZero() {
			continue
		}

		// Round-trip each document through JSON so the definition's json tags
		// govern field names, same as the REST install body.
		raw, err := yaml.Marshal(&doc)
		if err != nil {
			return nil, warnings, models.Errorf(models.ErrValidation, "manifest document %d: %v", docIdx, err)
		}
		jsonRaw, err := sigyaml.YAMLToJSON(raw)
		if err != nil {
			return nil, warnings, models.Errorf(models.ErrValidation, "manifest document %d: %v", docIdx, err)
		}
		if string(jsonRaw) == "null" {
			continue
		}

		var def models.ModuleDefinition
		if err := json.Unmarshal(jsonRaw, &def); err != nil {
			return nil, warnings, models.Errorf(models.ErrValidation, "manifest document %d: %v", docIdx, err)
		}
		if err := ValidateDefinition(&def); err != nil {
			return nil, warnings, err
		}
		defs = append(defs, &def)
	}

	if len(defs) == 0 {
		return nil, warnings, models.NewError(models.ErrValidation, "manifest contains no module definitions")
	}
	return defs, warnings, nil
}

// ValidateDefinition checks a definition beyond YAML shape: identifier and
// version syntax, dependency constraints, migration policy, quotas, and that
// any declared config schema compiles. The registry re-checks identifiers on
// Register; this is the full manifest gate.
func ValidateDefinition(def *models.ModuleDefinition) error {
	if def == nil {
		return models.NewError(models.ErrValidation, "module definition is required")
	}
	if !validate.ModuleID(def.ID) {
		return models.Errorf(models.ErrValidation, "invalid module id %q", def.ID)
	}
	if strings.TrimSpace(def.Name) == "" {
		return models.Errorf(models.ErrValidation, "module %s: name is required", def.ID).WithModule(def.ID)
	}
	if !validate.Version(def.Version) {
		return models.Errorf(models.ErrValidation, "module %s: invalid version %q", def.ID, def.Version).WithModule(def.ID)
	}
	if _, err := semver.NewVersion(def.Version); err != nil {
		return models.Errorf(models.ErrValidation, "module %s: unparseable version %q", def.ID, def.Version).WithModule(def.ID)
	}

	for _, dep := range def.Dependencies {
		if !validate.ModuleID(dep.ModuleID) {
			return models.Errorf(models.ErrValidation, "module %s: invalid dependency id %q", def.ID, dep.ModuleID).WithModule(def.ID)
		}
		switch dep.Type {
		case models.DependencyRequired, models.DependencyOptional, models.DependencyPeer, "":
		default:
			return models.Errorf(models.ErrValidation, "module %s: invalid dependency type %q for %s", def.ID, dep.Type, dep.ModuleID).WithModule(def.ID)
		}
		if dep.Constraint != "" && dep.Constraint != "*" {
			if _, err := semver.NewConstraint(dep.Constraint); err != nil {
				return models.Errorf(models.ErrValidation, "module %s: invalid constraint %q for dependency %s", def.ID, dep.Constraint, dep.ModuleID).WithModule(def.ID)
			}
		}
	}
	for _, conflict := range def.Conflicts {
		if !validate.ModuleID(conflict) {
			return models.Errorf(models.ErrValidation, "module %s: invalid conflict id %q", def.ID, conflict).WithModule(def.ID)
		}
	}

	for _, mg := range def.Migrations {
		if mg.Version == "" || mg.Script == "" {
			return models.Errorf(models.ErrValidation, "module %s: migration needs a version and a script", def.ID).WithModule(def.ID)
		}
		if !mg.Additive {
			return models.Errorf(models.ErrValidation, "module %s: migration %s is not additive; only additive migrations are supported", def.ID, mg.Version).WithModule(def.ID)
		}
	}

	q := def.Permissions.Quotas
	if q.MaxMemoryBytes < 0 || q.MaxStorageBytes < 0 || q.MaxConfigKeys < 0 || q.MaxDepth < 0 {
		return models.Errorf(models.ErrValidation, "module %s: resource quotas must not be negative", def.ID).WithModule(def.ID)
	}

	if len(def.ConfigSchema) > 0 {
		if _, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(def.ConfigSchema)); err != nil {
			return models.Errorf(models.ErrValidation, "module %s: config schema does not compile: %v", def.ID, err).WithModule(def.ID)
		}
	}
	return nil
}

// LoadFile parses one manifest file.
func LoadFile(path string) ([]*models.ModuleDefinition, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read manifest: %w", err)
	}
	defs, warnings, err := Parse(data)
	if err != nil {
		return nil, warnings, fmt.Errorf("manifest %s: %w", filepath.Base(path), err)
	}
	return defs, warnings, nil
}

// LoadResult is the outcome of a directory load. A file that fails to parse
// lands in Errors and does not hold back the rest of the catalog.
type LoadResult struct {
	Definitions []*models.ModuleDefinition
	Warnings    []string
	Errors      []error
}

// LoadDir parses every *.yaml / *.yml file in dir in sorted filename order.
func LoadDir(dir string) (*LoadResult, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read manifest directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !isManifestFile(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	res := &LoadResult{}
	for _, name := range names {
		defs, warnings, err := LoadFile(filepath.Join(dir, name))
		for _, w := range warnings {
			res.Warnings = append(res.Warnings, name+": "+w)
		}
		if err != nil {
			res.Errors = append(res.Errors, err)
			continue
		}
		res.Definitions = append(res.Definitions, defs...)
	}
	return res, nil
}

func isManifestFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
