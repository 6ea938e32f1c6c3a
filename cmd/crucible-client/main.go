// crucible-client submits a program file to a running crucible server and
// prints the streamed output chunks.
// Usage: go run ./cmd/crucible-client -server http://localhost:8080 -runtime exec -set exec.run_cmd=sh main.sh
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	backend "github.com/redis/go-redis/v9"

	"github.com/crucible-run/crucible/internal/client"
	"github.com/crucible-run/crucible/internal/config"
	"github.com/crucible-run/crucible/internal/statestore"
)

// setFlags collects repeated -set key=value overlay overrides. Dots in
// the key address nested values, e.g. -set exec.entrypoint=run.sh.
type setFlags map[string]string

func (f setFlags) String() string { return "" }

func (f setFlags) Set(v string) error {
	key, value, ok := strings.Cut(v, "=")
	if !ok || key == "" {
		return fmt.Errorf("expected key=value, got %q", v)
	}
	f[key] = value
	return nil
}

// buildConfig turns dotted overrides into the nested overlay shape the
// server expects.
func buildConfig(overrides setFlags) map[string]any {
	cfg := make(map[string]any)
	for key, value := range overrides {
		parts := strings.Split(key, ".")
		node := cfg
		for _, part := range parts[:len(parts)-1] {
			child, ok := node[part].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[part] = child
			}
			node = child
		}
		node[parts[len(parts)-1]] = value
	}
	return cfg
}

// newClaimStore picks where namespace claims live: redis when an address
// is configured, so instance counters survive across invocations,
// otherwise a process-local store.
func newClaimStore(redisAddr string) (statestore.Store, func()) {
	if redisAddr == "" {
		return statestore.NewMemoryStore(0), func() {}
	}
	rdb := backend.NewClient(&backend.Options{Addr: redisAddr})
	return statestore.NewRedisStore(rdb), func() { rdb.Close() }
}

func main() {
	cfg := config.Load()
	var (
		server     = flag.String("server", "http://localhost:8080", "crucible server base URL")
		runtime    = flag.String("runtime", "auto", "runtime to execute with")
		entrypoint = flag.String("entrypoint", "", "entrypoint filename inside the session work dir")
		timeout    = flag.Duration("timeout", 2*time.Minute, "give up if no terminal outcome arrives in time")
		interval   = flag.Duration("interval", 250*time.Millisecond, "output poll interval")
		redisAddr  = flag.String("redis", cfg.RedisAddr, "redis address for namespace claims (defaults to CRUCIBLE_REDIS_ADDR)")
		overrides  = setFlags{}
	)
	flag.Var(overrides, "set", "config override as key=value (repeatable, dots nest)")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: crucible-client [flags] <program-file>")
		flag.PrintDefaults()
		os.Exit(2)
	}

	source, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		log.Fatalf("read program: %v", err)
	}

	c := client.New(client.Options{
		BaseURL:      *server,
		PollInterval: *interval,
	})

	// One CLI invocation is one component instance; claim a namespace so
	// concurrent invocations never see each other's responses.
	claims, closeClaims := newClaimStore(*redisAddr)
	namespace, err := client.ClaimNamespace(context.Background(), claims, "cli")
	closeClaims()
	if err != nil {
		log.Fatalf("claim namespace: %v", err)
	}

	done := make(chan int, 1)
	c.Execute(context.Background(), namespace,
		client.SubmitRequest{
			Runtime:    *runtime,
			Source:     string(source),
			Entrypoint: *entrypoint,
			Config:     buildConfig(overrides),
		},
		func(seq int, data string) {
			fmt.Printf("[%d] %s\n", seq, data)
		},
		client.Handlers{
			OnSuccess: func(result any) {
				out := result.(client.Outcome)
				fmt.Printf("session %s: %s\n", out.SessionID, out.Status)
				done <- 0
			},
			OnFailure: func(cond client.Condition, detail string) {
				fmt.Fprintf(os.Stderr, "session failed (%s): %s\n", cond, detail)
				done <- 1
			},
		}, *timeout)

	os.Exit(<-done)
}
