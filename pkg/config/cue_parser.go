package config

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"

	"github.com/stackrun/stackrun/pkg/engine"
)

// Parser parses and validates CUE unit declarations.
type Parser struct {
	ctx       *cue.Context
	schemas   *SchemaRegistry
	validator *validator.Validate
}

// NewParser creates a new declaration parser.
func NewParser() *Parser {
	ctx := cuecontext.New()
	return &Parser{
		ctx:       ctx,
		schemas:   NewSchemaRegistry(ctx),
		validator: validator.New(),
	}
}

// Units parses the given sources and returns the declared units, sorted by
// ID, ready for the graph builder. Any parse or validation error fails the
// whole load: a run must never start from a partially understood working set.
func (p *Parser) Units(ctx context.Context, sources []string) ([]engine.Unit, error) {
	parsed, err := p.Parse(ctx, sources)
	if err != nil {
		return nil, err
	}
	if len(parsed.Errors) > 0 {
		return nil, fmt.Errorf("declaration errors: %w", joinValidationErrors(parsed.Errors))
	}
	return parsed.ToEngineUnits()
}

// Parse parses CUE unit declarations from the given sources. Sources may be
// files or directories; all sources are unified into one configuration
// before units are extracted.
func (p *Parser) Parse(ctx context.Context, sources []string) (*ParsedUnits, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	var cueValue cue.Value
	var sourceFiles []string
	var parseErrors []ValidationError

	for _, source := range sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		if info.IsDir() {
			val, files, errs := p.loadDirectory(source)
			if len(errs) > 0 {
				parseErrors = append(parseErrors, errs...)
			}
			if val.Exists() {
				cueValue = unify(cueValue, val)
			}
			sourceFiles = append(sourceFiles, files...)
		} else {
			val, errs := p.loadFile(source)
			if len(errs) > 0 {
				parseErrors = append(parseErrors, errs...)
			}
			if val.Exists() {
				cueValue = unify(cueValue, val)
			}
			sourceFiles = append(sourceFiles, source)
		}
	}

	if len(parseErrors) > 0 {
		return &ParsedUnits{
			SourceFiles: sourceFiles,
			ParsedAt:    time.Now(),
			Errors:      parseErrors,
		}, nil
	}

	if err := cueValue.Err(); err != nil {
		return &ParsedUnits{
			SourceFiles: sourceFiles,
			ParsedAt:    time.Now(),
			Errors:      p.convertCUEErrors(err),
		}, nil
	}

	return p.extractUnits(cueValue, sourceFiles)
}

// ParseInline parses inline CUE content. Used by tests and the validate
// command's stdin mode.
func (p *Parser) ParseInline(ctx context.Context, content string) (*ParsedUnits, error) {
	val := p.ctx.CompileString(content, cue.Filename("inline"))
	if err := val.Err(); err != nil {
		return &ParsedUnits{
			SourceFiles: []string{"inline"},
			ParsedAt:    time.Now(),
			Errors:      p.convertCUEErrors(err),
		}, nil
	}

	return p.extractUnits(val, []string{"inline"})
}

func unify(base, next cue.Value) cue.Value {
	if !base.Exists() {
		return next
	}
	return base.Unify(next)
}

// loadDirectory loads a directory as a CUE package.
func (p *Parser) loadDirectory(dir string) (cue.Value, []string, []ValidationError) {
	buildInstances := load.Instances([]string{"."}, &load.Config{Dir: dir, Package: "_"})
	if len(buildInstances) == 0 {
		return cue.Value{}, nil, []ValidationError{{
			File:     dir,
			Message:  "no CUE files found",
			Severity: "error",
		}}
	}

	inst := buildInstances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, p.convertCUEErrors(inst.Err)
	}

	val := p.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, nil, p.convertCUEErrors(err)
	}

	var files []string
	for _, file := range inst.Files {
		if file.Filename != "" {
			files = append(files, file.Filename)
		}
	}

	return val, files, nil
}

// loadFile loads a single CUE file.
func (p *Parser) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: "error",
		}}
	}

	val := p.ctx.CompileString(string(content), cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, p.convertCUEErrors(err)
	}

	return val, nil
}

// extractUnits extracts unit declarations from the unified value. Units
// live under the top-level "units" struct, keyed by unit ID.
func (p *Parser) extractUnits(val cue.Value, sourceFiles []string) (*ParsedUnits, error) {
	parsed := &ParsedUnits{
		SourceFiles: sourceFiles,
		ParsedAt:    time.Now(),
	}

	unitsVal := val.LookupPath(cue.ParsePath("units"))
	if !unitsVal.Exists() {
		parsed.Errors = append(parsed.Errors, ValidationError{
			Path:     "units",
			Message:  "no units declared",
			Severity: "error",
		})
		return parsed, nil
	}

	if unitsVal.Kind() != cue.StructKind {
		parsed.Errors = append(parsed.Errors, ValidationError{
			Path:     "units",
			Message:  "units must be a struct keyed by unit ID",
			Severity: "error",
		})
		return parsed, nil
	}

	iter, err := unitsVal.Fields(cue.All())
	if err != nil {
		return nil, fmt.Errorf("failed to iterate units: %w", err)
	}

	for iter.Next() {
		id := iter.Selector().Unquoted()
		decl, errs := p.extractUnit(id, iter.Value())
		if len(errs) > 0 {
			parsed.Errors = append(parsed.Errors, errs...)
			continue
		}
		parsed.Units = append(parsed.Units, decl)
	}

	sort.Slice(parsed.Units, func(i, j int) bool { return parsed.Units[i].ID < parsed.Units[j].ID })
	return parsed, nil
}

// extractUnit validates one unit declaration against the unit schema and
// decodes it.
func (p *Parser) extractUnit(id string, val cue.Value) (UnitDecl, []ValidationError) {
	path := fmt.Sprintf("units.%s", id)

	schema, ok := p.schemas.GetSchema("unit")
	if ok {
		def := schema.LookupPath(cue.ParsePath("#Unit"))
		unified := def.Unify(val)
		if err := unified.Validate(cue.Concrete(true)); err != nil {
			errs := p.convertCUEErrors(err)
			for i := range errs {
				errs[i].Path = path
			}
			return UnitDecl{}, errs
		}
	}

	var decl UnitDecl
	if err := val.Decode(&decl); err != nil {
		return UnitDecl{}, []ValidationError{{
			Path:     path,
			Message:  fmt.Sprintf("failed to decode unit: %v", err),
			Severity: "error",
		}}
	}

	decl.ID = id
	if pos := val.Pos(); pos.Filename() != "" {
		decl.Source = pos.Filename()
	}

	if err := p.validator.Struct(decl); err != nil {
		return UnitDecl{}, []ValidationError{{
			Path:     path,
			Message:  fmt.Sprintf("validation failed: %v", err),
			Severity: "error",
		}}
	}

	return decl, nil
}

// convertCUEErrors converts CUE errors to a ValidationError slice.
func (p *Parser) convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	errs := errors.Errors(err)
	for _, e := range errs {
		pos := errors.Positions(e)
		var file string
		var line, column int

		if len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Message:  errors.Details(e, nil),
			Severity: "error",
		})
	}

	return validationErrors
}

func joinValidationErrors(errs []ValidationError) error {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}
