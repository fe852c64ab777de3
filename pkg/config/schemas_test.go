package config

import (
	"context"
	"testing"
)

func TestSchemaRegistryRegisterAndGet(t *testing.T) {
	sr := NewSchemaRegistry(nil)

	customSchema := `
#Custom: {
	field1: string
	field2: int
}
`
	if err := sr.RegisterSchema("custom", customSchema); err != nil {
		t.Fatalf("failed to register schema: %v", err)
	}

	schema, ok := sr.GetSchema("custom")
	if !ok {
		t.Fatal("expected to find custom schema")
	}
	if schema.Err() != nil {
		t.Errorf("schema has errors: %v", schema.Err())
	}
}

func TestSchemaRegistryBuiltIns(t *testing.T) {
	sr := NewSchemaRegistry(nil)

	for _, name := range []string{"unit", "backend", "resource"} {
		t.Run(name, func(t *testing.T) {
			schema, ok := sr.GetSchema(name)
			if !ok {
				t.Fatalf("built-in schema %s not found", name)
			}
			if schema.Err() != nil {
				t.Errorf("schema has errors: %v", schema.Err())
			}
		})
	}
}

func TestSchemaRegistryRejectsBrokenSchema(t *testing.T) {
	sr := NewSchemaRegistry(nil)
	if err := sr.RegisterSchema("broken", `#Broken: {`); err == nil {
		t.Fatal("expected compile error")
	}
}

func TestValidateBackend(t *testing.T) {
	sr := NewSchemaRegistry(nil)
	ctx := context.Background()

	valid := []BackendDecl{
		{Kind: "memory"},
		{Kind: "sqlite", Path: "state/app.db"},
		{Kind: "s3", Bucket: "acme-state", Region: "eu-west-1", LockTable: "acme-locks"},
	}
	for _, b := range valid {
		if err := sr.ValidateBackend(ctx, b); err != nil {
			t.Errorf("backend %+v should validate: %v", b, err)
		}
	}

	invalid := []BackendDecl{
		{Kind: "floppy"},
		{Kind: "sqlite"},
		{Kind: "s3", Bucket: "acme-state"},
	}
	for _, b := range invalid {
		if err := sr.ValidateBackend(ctx, b); err == nil {
			t.Errorf("backend %+v should be rejected", b)
		}
	}
}

func TestValidateResource(t *testing.T) {
	sr := NewSchemaRegistry(nil)
	ctx := context.Background()

	ok := ResourceDecl{Type: "aws.vpc", Config: map[string]interface{}{"cidr": "10.0.0.0/16"}}
	if err := sr.ValidateResource(ctx, ok); err != nil {
		t.Errorf("resource should validate: %v", err)
	}

	bad := ResourceDecl{Type: "NotAType", Config: map[string]interface{}{}}
	if err := sr.ValidateResource(ctx, bad); err == nil {
		t.Error("malformed resource type should be rejected")
	}
}
