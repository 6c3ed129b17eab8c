// Command storagectl is a small operator CLI for inspecting a cogcore
// document store out of process, grounded on the monitor's cmd/dbctl:
// an -action-driven flag interface with a -json output mode, here run
// against storage.Gateway instead of raw database/sql queries so it
// exercises the same retry/circuit-breaker path the running orchestrator
// does rather than a second, unguarded code path to the same file.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ry-ht/cogcore/internal/bus"
	"github.com/ry-ht/cogcore/internal/ids"
	"github.com/ry-ht/cogcore/internal/storage"
)

func main() {
	dbPath := flag.String("db", "cogcore-documents.db", "path to the document store")
	action := flag.String("action", "", "health, replay, or collections")
	sessionID := flag.String("session", "", "session id, required for -action replay")
	limit := flag.Int("limit", 0, "max envelopes to return for -action replay (0 = all)")
	jsonOutput := flag.Bool("json", false, "emit JSON instead of plain text")
	flag.Parse()

	if *action == "" {
		fmt.Fprintln(os.Stderr, "usage: storagectl -db <path> -action <health|replay|collections> [-session <id>] [-json]")
		os.Exit(1)
	}

	docs, err := storage.OpenSQLiteStore(*dbPath)
	if err != nil {
		fail("open document store: %v", err)
	}
	defer docs.Close()

	// gateway.Health only pings the document store, so storagectl never
	// needs to open the vector index for these actions.
	gateway := storage.NewGateway(docs, nil, 5, 30*time.Second, func(storage.BreakerState) {})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch *action {
	case "health":
		runHealth(ctx, gateway, *jsonOutput)
	case "replay":
		if *sessionID == "" {
			fail("action replay requires -session")
		}
		runReplay(ctx, gateway, *sessionID, *limit, *jsonOutput)
	case "collections":
		runCollections(ctx, gateway, *jsonOutput)
	default:
		fail("unknown action: %s", *action)
	}
}

func runHealth(ctx context.Context, gw *storage.Gateway, jsonOut bool) {
	err := gw.Health(ctx)
	status := "ok"
	if err != nil {
		status = "degraded"
	}
	if jsonOut {
		out := map[string]interface{}{"status": status}
		if err != nil {
			out["error"] = err.Error()
		}
		json.NewEncoder(os.Stdout).Encode(out)
	} else {
		fmt.Println(status)
		if err != nil {
			fmt.Println(err.Error())
		}
	}
	if err != nil {
		os.Exit(1)
	}
}

func runReplay(ctx context.Context, gw *storage.Gateway, sessionID string, limit int, jsonOut bool) {
	log := bus.NewEnvelopeLog(gw)
	var (
		envelopes []bus.Envelope
		err       error
	)
	if limit > 0 {
		envelopes, err = log.ReplayRecent(ctx, ids.SessionID(sessionID), limit)
	} else {
		envelopes, err = log.Replay(ctx, ids.SessionID(sessionID))
	}
	if err != nil {
		fail("replay session %s: %v", sessionID, err)
	}
	if jsonOut {
		json.NewEncoder(os.Stdout).Encode(envelopes)
		return
	}
	for _, env := range envelopes {
		fmt.Printf("%s  %s -> %s  topic=%q kind=%q attempts=%d\n",
			env.CreatedAt.Format(time.RFC3339), env.From, env.To, env.Topic, env.Kind, env.AttemptCount)
	}
}

func runCollections(ctx context.Context, gw *storage.Gateway, jsonOut bool) {
	known := []string{"bus_envelope", "episode", "pattern", "strategy", "code_unit", "vfs_node", "workspace", "document"}
	counts := make(map[string]int)
	for _, collection := range known {
		recs, err := gw.Find(ctx, storage.Query{Collection: collection})
		if err != nil {
			continue
		}
		counts[collection] = len(recs)
	}
	if jsonOut {
		json.NewEncoder(os.Stdout).Encode(counts)
		return
	}
	for _, collection := range known {
		fmt.Printf("%-16s %d\n", collection, counts[collection])
	}
}

func fail(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
