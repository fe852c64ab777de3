// Package config parses CUE unit declarations for stackrun.
//
// # Overview
//
// The config package implements the declaration loading phase of a run:
// it parses CUE files, validates them against built-in schemas, and
// converts them into the engine's unit representation. The graph builder
// takes over from there.
//
// # Declaration Structure
//
// Units are declared under a top-level "units" struct, keyed by unit ID:
//
//	units: {
//	    "prod-network": {
//	        environment: "production"
//	        backend: {
//	            kind:       "s3"
//	            bucket:     "acme-state"
//	            region:     "eu-west-1"
//	            lock_table: "acme-locks"
//	            prefix:     "prod"
//	        }
//	        tags: {owner: "platform", environment: "production"}
//	        resources: {
//	            vpc: {
//	                type: "aws.vpc"
//	                config: {cidr: "10.0.0.0/16"}
//	            }
//	        }
//	    }
//	    "prod-database": {
//	        environment: "production"
//	        depends_on: ["prod-network"]
//	        backend: {kind: "sqlite", path: "state/database.db"}
//	        resources: {
//	            cluster: {
//	                type: "aws.rds"
//	                config: {engine: "postgres", instances: 2}
//	            }
//	        }
//	    }
//	}
//
// Multiple files and directories are unified into one configuration before
// units are extracted, so shared definitions and per-environment overlays
// compose the CUE way.
//
// # Usage Example
//
//	parser := config.NewParser()
//	units, err := parser.Units(ctx, []string{"deploy/"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	graph, err := engine.BuildGraph(units)
//
// # Error Handling
//
// All parsing and validation errors include location information:
//
//	ValidationError{
//	    File: "units.cue",
//	    Line: 42,
//	    Column: 5,
//	    Path: "units.prod-network.backend",
//	    Message: "field 'bucket' is required",
//	    Severity: "error",
//	}
//
// A load with any error fails as a whole; a run never starts from a
// partially understood working set.
//
// # Thread Safety
//
// All types in this package are safe for concurrent use.
package config
