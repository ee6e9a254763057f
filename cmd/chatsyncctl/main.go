package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/matheus3301/chatsync/internal/daemon"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/matheus3301/chatsync/internal/store"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides $CHATSYNC_PROFILE and config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	profileName := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(profileName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		cmdStatus(ctx, profileName, *jsonFlag)
	case "queue":
		cmdQueue(profileName, *jsonFlag)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chatsyncctl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status           Show daemon and connection health")
	fmt.Fprintln(os.Stderr, "  queue            Show events waiting in the offline queue")
}

func cmdStatus(ctx context.Context, profileName string, jsonOut bool) {
	pid, err := lock.Holder(profile.Dir(profileName))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if pid == 0 {
		fmt.Fprintf(os.Stderr, "daemon for profile %q is not running\n", profileName)
		os.Exit(1)
	}

	c, err := daemon.Dial(profile.SocketPath(profileName))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for profile %q: %v\n", profileName, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	resp, err := c.Health.Check(ctx, &healthpb.HealthCheckRequest{Service: daemon.ConnectionService})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if jsonOut {
		out, err := protojson.Marshal(resp)
		if err != nil {
			fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(out))
		return
	}
	fmt.Printf("Profile:    %s\n", profileName)
	fmt.Printf("Daemon PID: %d\n", pid)
	fmt.Printf("Connection: %s\n", resp.Status)
}

func cmdQueue(profileName string, jsonOut bool) {
	dbPath := profile.DBPath(profileName)
	if _, err := os.Stat(dbPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: no local storage for profile %q: %v\n", profileName, err)
		os.Exit(1)
	}
	db, err := store.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	entries, err := outbox.ReadMirror(db)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if jsonOut {
		outputJSON(entries)
		return
	}
	if len(entries) == 0 {
		fmt.Println("Offline queue is empty.")
		return
	}
	cutoff := time.Now().Add(-outbox.TTL)
	for _, e := range entries {
		state := "pending"
		if e.EnqueuedAt().Before(cutoff) {
			state = "expired"
		}
		fmt.Printf("%s  %-14s %-8s %s\n", e.EnqueuedAt().Format(time.RFC3339), e.Event, state, e.Data)
	}
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
