package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/basket/acp-bridge/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string) int {
	jsonOutput := false
	for _, arg := range args {
		if arg == "-json" || arg == "--json" {
			jsonOutput = true
		}
	}

	results := doctor.Run(ctx)

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(map[string]any{"results": results}); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding json: %v\n", err)
			return 1
		}
		return 0
	}

	fmt.Printf("ACP Bridge Doctor Report (%s)\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Println("---")

	failCount := 0
	for _, res := range results {
		icon := "✅"
		switch res.Status {
		case "error":
			icon = "❌"
			failCount++
		case "warning":
			icon = "⚠️ "
		}
		fmt.Printf("%s %-10s binary=%-5v apiKey=%-5v endpoint=%-5v\n", icon, res.Type, res.Binary, res.APIKey, res.Endpoint)
		if res.Message != "" {
			fmt.Printf("    %s\n", res.Message)
		}
	}

	if failCount > 0 {
		return 1
	}
	return 0
}
