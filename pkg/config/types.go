package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/stackrun/stackrun/pkg/engine"
	"github.com/stackrun/stackrun/pkg/statebackend"
)

// UnitDecl is one unit declaration as written in CUE.
type UnitDecl struct {
	// ID is the unique identifier for this unit (e.g., "prod-network").
	ID string `json:"id" validate:"required"`

	// Source is the file the declaration was read from.
	Source string `json:"source,omitempty"`

	// Environment tags the unit (e.g., "staging", "production").
	Environment string `json:"environment" validate:"required"`

	// DependsOn lists unit IDs that must complete before this unit runs.
	DependsOn []string `json:"depends_on,omitempty"`

	// Backend describes where the unit's state lives.
	Backend BackendDecl `json:"backend"`

	// Tags are free-form labels carried into policy evaluation.
	Tags map[string]string `json:"tags,omitempty"`

	// Resources are the declared resources, keyed by resource ID.
	Resources map[string]ResourceDecl `json:"resources" validate:"required,min=1"`
}

// BackendDecl is a unit's state backend declaration.
type BackendDecl struct {
	// Kind selects the backend implementation (sqlite, s3, memory).
	Kind string `json:"kind" validate:"required,oneof=sqlite s3 memory"`

	// Path is the SQLite database file path. SQLite only.
	Path string `json:"path,omitempty" validate:"required_if=Kind sqlite"`

	// Bucket is the S3 bucket holding state objects. S3 only.
	Bucket string `json:"bucket,omitempty" validate:"required_if=Kind s3"`

	// Prefix is prepended to per-unit object keys. S3 only.
	Prefix string `json:"prefix,omitempty"`

	// Region is the AWS region. S3 only.
	Region string `json:"region,omitempty" validate:"required_if=Kind s3"`

	// LockTable is the DynamoDB table for lock items. S3 only.
	LockTable string `json:"lock_table,omitempty" validate:"required_if=Kind s3"`
}

// ResourceDecl is one declared resource inside a unit.
type ResourceDecl struct {
	// Type is the resource type (e.g., "aws.vpc").
	Type string `json:"type" validate:"required"`

	// Config is the desired configuration document.
	Config map[string]interface{} `json:"config" validate:"required"`
}

// ParsedUnits is the result of parsing one or more declaration sources.
type ParsedUnits struct {
	// Units are all unit declarations found in the sources.
	Units []UnitDecl `json:"units"`

	// SourceFiles are the CUE files that were parsed.
	SourceFiles []string `json:"source_files"`

	// ParsedAt is when the sources were parsed.
	ParsedAt time.Time `json:"parsed_at"`

	// Errors lists any validation errors.
	Errors []ValidationError `json:"errors,omitempty"`
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the CUE path to the error (e.g., "units.network.backend").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning, info).
	Severity string `json:"severity"`
}

func (e ValidationError) Error() string {
	if e.File != "" && e.Line > 0 {
		return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
	}
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ToEngineUnits converts the parsed declarations to engine units, sorted by
// ID. It fails if any declaration carries a resource config that cannot be
// serialized.
func (pu *ParsedUnits) ToEngineUnits() ([]engine.Unit, error) {
	units := make([]engine.Unit, 0, len(pu.Units))
	for _, decl := range pu.Units {
		unit, err := decl.ToEngineUnit()
		if err != nil {
			return nil, err
		}
		units = append(units, unit)
	}
	sort.Slice(units, func(i, j int) bool { return units[i].ID < units[j].ID })
	return units, nil
}

// ToEngineUnit converts one declaration to an engine unit.
func (d *UnitDecl) ToEngineUnit() (engine.Unit, error) {
	resources := make(map[string]engine.ResourceSpec, len(d.Resources))
	for id, res := range d.Resources {
		raw, err := json.Marshal(res.Config)
		if err != nil {
			return engine.Unit{}, fmt.Errorf("unit %s: resource %s: %w", d.ID, id, err)
		}
		resources[id] = engine.ResourceSpec{
			Type:   res.Type,
			Config: raw,
		}
	}

	return engine.Unit{
		ID:          d.ID,
		Source:      d.Source,
		Environment: d.Environment,
		DependsOn:   append([]string(nil), d.DependsOn...),
		Backend: statebackend.Config{
			Kind:      statebackend.Kind(d.Backend.Kind),
			Path:      d.Backend.Path,
			Bucket:    d.Backend.Bucket,
			Prefix:    d.Backend.Prefix,
			Region:    d.Backend.Region,
			LockTable: d.Backend.LockTable,
		},
		Tags:      d.Tags,
		Resources: resources,
	}, nil
}
