package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"offlinemap/internal/config"
	"offlinemap/internal/tile_store"
)

func runStatus(args []string) int {
	cfg := config.Load()

	fs := flag.NewFlagSet("status", flag.ExitOnError)
	db := fs.String("db", cfg.MapDBPath, "Path to the offline map database")
	asJSON := fs.Bool("json", false, "Print status as JSON")

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}

	log := newLogger(cfg)
	defer log.Sync()

	store, code := openStore(*db, true, log)
	if store == nil {
		return code
	}
	defer store.Close()

	st, err := store.Status(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading status: %v\n", err)
		return ExitStorageError
	}

	if *asJSON {
		return printStatusJSON(st)
	}

	fmt.Printf("database: %s\n", store.Path())
	fmt.Printf("complete: %t\n", st.Complete)
	if st.HasAnchor {
		fmt.Printf("center:   %.6f, %.6f\n", st.Anchor.Lat, st.Anchor.Lon)
	} else {
		fmt.Println("center:   (none)")
	}
	fmt.Printf("tiles:    %d\n", st.TileCount)
	return ExitSuccess
}

func printStatusJSON(st tile_store.Status) int {
	out := map[string]interface{}{
		"complete": st.Complete,
		"center":   nil,
		"tiles":    st.TileCount,
	}
	if st.HasAnchor {
		out["center"] = st.Anchor
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitGeneralError
	}
	return ExitSuccess
}
