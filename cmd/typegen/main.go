// Command typegen writes TypeScript declarations for the realtime frames and
// REST payloads, for web clients of the same server.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	tygo "github.com/gzuidhof/tygo/tygo"
	"github.com/spf13/pflag"
)

func main() {
	outDir := pflag.StringP("out", "o", filepath.Join("web", "src", "types", "generated"), "output directory")
	pflag.Parse()

	if err := run(*outDir); err != nil {
		fmt.Fprintf(os.Stderr, "typegen: %v\n", err)
		os.Exit(1)
	}
}

func run(outDir string) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}

	packages := []*tygo.PackageConfig{
		{
			Path:             "github.com/ricochet1k/docuforge/pkg/realtime",
			OutputPath:       filepath.Join(outDir, "realtime.ts"),
			PreserveComments: "default",
			TypeMappings: map[string]string{
				"json.RawMessage": "unknown",
			},
		},
		{
			Path:             "github.com/ricochet1k/docuforge/pkg/api",
			OutputPath:       filepath.Join(outDir, "api.ts"),
			PreserveComments: "default",
			Frontmatter:      "import type { Document, ID } from \"./realtime\";\n",
			TypeMappings: map[string]string{
				"realtimeTypes.Document": "Document",
				"realtimeTypes.ID":       "ID",
				"json.RawMessage":        "unknown",
			},
		},
	}

	gen := tygo.New(&tygo.Config{
		TypeMappings: map[string]string{
			"time.Time": "string",
		},
		Packages: packages,
	})
	if err := gen.Generate(); err != nil {
		return err
	}
	for _, p := range packages {
		fmt.Printf("wrote %s\n", p.OutputPath)
	}
	return nil
}
