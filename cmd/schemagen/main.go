// Package main provides a standalone tool to generate JSON Schemas.
//
// The same output is available from the service binary:
//
//	pbac --schema config > configs/config.schema.json
//	pbac --schema policies > configs/policies.schema.json
//
// Usage:
//
//	go run ./cmd/schemagen [config|policies]
package main

import (
	"fmt"
	"os"

	"github.com/your-org/pbac-service/internal/schema"
)

func main() {
	schemaType := "config" // default
	if len(os.Args) > 1 {
		schemaType = os.Args[1]
	}

	st, ok := schema.ParseSchemaType(schemaType)
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown schema type: %s\n", schemaType)
		fmt.Fprintf(os.Stderr, "Available types: config, policies\n")
		os.Exit(1)
	}

	data, err := schema.NewGenerator().Generate(st)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating schema: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(string(data))
}
