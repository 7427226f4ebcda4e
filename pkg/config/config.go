// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config defines the foundry coordinator's topology schema and
// helpers for loading and validating config files.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"foundry/pkg/registry"
)

// ErrConfigNotFound is returned when the config file does not exist at the given path.
var ErrConfigNotFound = errors.New("foundry config not found")

// Config is the top-level coordinator topology: the sites it manages, the
// blueprints available to foundations/structures/dependencies/complexes
// at those sites, where job/entity state is persisted, which
// subcontractor modules are expected to be registered, how migrations
// run, and per-environment driver settings.
type Config struct {
	Project        ProjectConfig                `yaml:"project"`
	Sites          []SiteConfig                 `yaml:"sites"`
	Blueprints     []BlueprintConfig            `yaml:"blueprints"`
	Store          StoreConfig                  `yaml:"store"`
	Subcontractors []SubcontractorConfig        `yaml:"subcontractors,omitempty"`
	Migrations     *MigrationsRootConfig        `yaml:"migrations,omitempty"`
	Environments   map[string]EnvironmentConfig `yaml:"environments"`
}

// ProjectConfig describes project-level settings.
type ProjectConfig struct {
	Name string `yaml:"name"`
}

// SiteConfig names a site the coordinator manages foundations/structures
// for (spec §3's "site" field on every entity kind).
type SiteConfig struct {
	Name string `yaml:"name"`
}

// BlueprintConfig describes one reusable blueprint: which entity kind it
// instantiates, its named scripts, and (for a foundation blueprint) a
// validation template requirement.
type BlueprintConfig struct {
	Name                        string            `yaml:"name"`
	Kind                        string            `yaml:"kind"` // foundation, structure, dependency, complex
	HasValidationTemplate       bool              `yaml:"has_validation_template,omitempty"`
	Scripts                     map[string]string `yaml:"scripts,omitempty"` // script name -> path
	AllowedFoundationBlueprints []string          `yaml:"allowed_foundation_blueprints,omitempty"`
}

// StoreConfig selects the persistence backend (spec's "persistent storage
// backend" collaborator, supplemented into a concrete driver choice).
type StoreConfig struct {
	Driver        string `yaml:"driver"` // memory, postgres, sqlite
	ConnectionEnv string `yaml:"connection_env,omitempty"`
}

// SubcontractorConfig names a script module the topology expects to find
// registered in the coordinator process (spec §4.2's FUNCTION module
// resolution), validated against pkg/registry.ModuleRegistry.
type SubcontractorConfig struct {
	Module string `yaml:"module"`
}

// EnvironmentConfig describes per-environment settings.
type EnvironmentConfig struct {
	Driver  string `yaml:"driver"`
	EnvFile string `yaml:"env_file,omitempty"`
}

// DefaultConfigPath returns the default config path for the current working directory.
func DefaultConfigPath() string {
	return "foundry.yml"
}

// Exists reports whether a config file exists at the given path.
// It returns (false, nil) if the file does not exist.
func Exists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err == nil {
		return !info.IsDir(), nil
	}

	if os.IsNotExist(err) {
		return false, nil
	}

	return false, err
}

// Load reads and validates the config from the given path.
//
// It returns ErrConfigNotFound if the file does not exist.
func Load(path string) (*Config, error) {
	exists, err := Exists(path)
	if err != nil {
		return nil, fmt.Errorf("checking config existence: %w", err)
	}

	if !exists {
		return nil, ErrConfigNotFound
	}

	// nolint:gosec // G304: reading config file from user-specified path is expected behavior
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Blueprint returns the named blueprint, if configured.
func (c *Config) Blueprint(name string) (BlueprintConfig, bool) {
	for _, b := range c.Blueprints {
		if b.Name == name {
			return b, true
		}
	}
	return BlueprintConfig{}, false
}

// StructurePlacementAllowed reports whether a structure built from
// structureBlueprint may be placed on a foundation built from
// foundationBlueprint: the foundation's blueprint must lie in the
// structure blueprint's allowed set. An empty allowed set permits any
// foundation.
func (c *Config) StructurePlacementAllowed(structureBlueprint, foundationBlueprint string) bool {
	b, ok := c.Blueprint(structureBlueprint)
	if !ok {
		return false
	}
	if len(b.AllowedFoundationBlueprints) == 0 {
		return true
	}
	for _, afb := range b.AllowedFoundationBlueprints {
		if afb == foundationBlueprint {
			return true
		}
	}
	return false
}

func validate(cfg *Config) error {
	if cfg.Project.Name == "" {
		return errors.New("config: project.name must be non-empty")
	}

	if len(cfg.Sites) == 0 {
		return errors.New("config: at least one site is required")
	}
	seenSites := make(map[string]bool, len(cfg.Sites))
	for _, s := range cfg.Sites {
		if s.Name == "" {
			return errors.New("config: sites[].name must be non-empty")
		}
		if seenSites[s.Name] {
			return fmt.Errorf("config: duplicate site %q", s.Name)
		}
		seenSites[s.Name] = true
	}

	blueprintNames := make(map[string]bool, len(cfg.Blueprints))
	for _, b := range cfg.Blueprints {
		if err := validateBlueprint(b); err != nil {
			return err
		}
		if blueprintNames[b.Name] {
			return fmt.Errorf("config: duplicate blueprint %q", b.Name)
		}
		blueprintNames[b.Name] = true
	}
	for _, b := range cfg.Blueprints {
		for _, afb := range b.AllowedFoundationBlueprints {
			if !blueprintNames[afb] {
				return fmt.Errorf("blueprints.%s.allowed_foundation_blueprints references unknown blueprint %q", b.Name, afb)
			}
		}
	}

	if err := validateStore(cfg.Store); err != nil {
		return err
	}

	for _, sc := range cfg.Subcontractors {
		if err := validateSubcontractor(sc); err != nil {
			return err
		}
	}

	if cfg.Migrations != nil {
		if err := validateMigrations(cfg.Migrations); err != nil {
			return err
		}
	}

	for envName, envCfg := range cfg.Environments {
		if envName == "" {
			return errors.New("config: environment name must be non-empty")
		}
		if envCfg.Driver == "" {
			return fmt.Errorf("config: environment %q: driver must be non-empty", envName)
		}
	}

	return nil
}

func validateBlueprint(b BlueprintConfig) error {
	if b.Name == "" {
		return errors.New("config: blueprints[].name must be non-empty")
	}
	switch b.Kind {
	case "foundation", "structure", "dependency", "complex":
	default:
		return fmt.Errorf("blueprints.%s.kind must be one of foundation/structure/dependency/complex, got %q", b.Name, b.Kind)
	}
	return nil
}

func validateStore(s StoreConfig) error {
	switch s.Driver {
	case "memory":
		return nil
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("store.driver must be one of memory/postgres/sqlite, got %q", s.Driver)
	}
	if s.ConnectionEnv == "" {
		return fmt.Errorf("store.connection_env is required for driver %q", s.Driver)
	}
	return nil
}

// validateSubcontractor validates a subcontractor entry against the
// registered script modules.
func validateSubcontractor(sc SubcontractorConfig) error {
	if sc.Module == "" {
		return errors.New("config: subcontractors[].module must be non-empty")
	}
	if !registry.ModuleRegistry.Has(sc.Module) {
		return fmt.Errorf(
			"unknown subcontractor module %q; available modules: %v",
			sc.Module,
			registry.ModuleRegistry.IDs(),
		)
	}
	return nil
}
