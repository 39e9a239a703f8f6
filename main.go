package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof" // Register pprof handlers with DefaultServeMux.
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/goatherd/mirror-cache/cache"
	"github.com/goatherd/mirror-cache/cache/blob"
	"github.com/goatherd/mirror-cache/cache/lru"
	"github.com/goatherd/mirror-cache/cache/metadata"
	"github.com/goatherd/mirror-cache/cache/ttl"
	"github.com/goatherd/mirror-cache/config"
	"github.com/goatherd/mirror-cache/manager"
	"github.com/goatherd/mirror-cache/metric"
	metricprom "github.com/goatherd/mirror-cache/metric/prometheus"
	"github.com/goatherd/mirror-cache/server"
	"github.com/goatherd/mirror-cache/task"
	"github.com/goatherd/mirror-cache/utils/flags"
	"github.com/goatherd/mirror-cache/utils/rlimit"

	"github.com/urfave/cli/v2"
)

const (
	logFlags = log.Ldate | log.Ltime | log.LUTC
)

// gitCommit is the version stamp for the server. The value of this var
// is set through linker options.
var gitCommit string

func main() {
	log.SetFlags(logFlags)

	maybeGitCommitMsg := ""
	if len(gitCommit) > 0 && gitCommit != "{STABLE_GIT_COMMIT}" {
		maybeGitCommitMsg = fmt.Sprintf(" from git commit %s", gitCommit)
	}
	log.Printf("mirror-cache built with %s%s.",
		runtime.Version(), maybeGitCommitMsg)

	app := cli.NewApp()

	cli.AppHelpTemplate = flags.Template
	cli.HelpPrinterCustom = flags.HelpPrinter
	// Force the use of cli.HelpPrinterCustom.
	app.ExtraInfo = func() map[string]string { return map[string]string{} }

	app.Flags = flags.GetCliFlags()
	app.Action = run

	serverErr := app.Run(os.Args)
	if serverErr != nil {
		log.Fatal("mirror-cache terminated:", serverErr)
	}
}

func run(ctx *cli.Context) error {
	c, err := config.Get(ctx)
	if err != nil {
		fmt.Fprintf(ctx.App.Writer, "%v\n\n", err)
		cli.ShowAppHelp(ctx)
		return cli.Exit("", 1)
	}

	if ctx.NArg() > 0 {
		fmt.Fprintf(ctx.App.Writer,
			"Error: mirror-cache does not take positional arguments\n")
		for i := 0; i < ctx.NArg(); i++ {
			fmt.Fprintf(ctx.App.Writer, "arg: %s\n", ctx.Args().Get(i))
		}
		fmt.Fprintf(ctx.App.Writer, "\n")

		cli.ShowAppHelp(ctx)
		return cli.Exit("", 1)
	}

	rlimit.Raise()

	blobs, err := blob.NewFSStore(c.Dir)
	if err != nil {
		log.Fatal(err)
	}

	store := metadata.NewRedisStore(c.Redis.Addr, c.Redis.DB, c.Redis.Password)

	// Prometheus metric names may not contain hyphens or start with a
	// digit, but uuid.NewString always produces hyphens and may start
	// with a digit; swap hyphens for underscores and add a letter prefix
	// before instanceID is ever used as a metric-name prefix below.
	instanceID := "mc_" + strings.ReplaceAll(uuid.NewString(), "-", "_")
	collector := metricprom.NewCollector()

	lruPolicies := make([]*lru.Policy, 0, len(c.Rules)+2)

	variantPolicies := map[task.Variant]cache.Policy{
		task.VariantIndex:    policyFromSpec(instanceID+"_pypi_index", c.Builtin.PypiIndex.Cache, store, blobs, c.ErrorLogger, collector, &lruPolicies),
		task.VariantPackage:  policyFromSpec(instanceID+"_pypi_packages", c.Builtin.PypiPackages.Cache, store, blobs, c.ErrorLogger, collector, &lruPolicies),
		task.VariantAnaconda: policyFromSpec(instanceID+"_anaconda", c.Builtin.Anaconda.Cache, store, blobs, c.ErrorLogger, collector, &lruPolicies),
	}

	rulePolicies := make(map[string]cache.Policy, len(c.Rules))
	rules := make(map[string]string, len(c.Rules))
	for _, r := range c.Rules {
		rulePolicies[r.ID] = policyFromSpec(instanceID+"_rule_"+r.ID, r.Cache, store, blobs, c.ErrorLogger, collector, &lruPolicies)
		rules[r.ID] = r.Upstream
	}

	reconcileCtx := context.Background()
	for _, p := range lruPolicies {
		if err := p.Reconcile(reconcileCtx); err != nil {
			c.ErrorLogger.Printf("startup reconciliation failed: %v", err)
		}
	}

	upstream := task.UpstreamConfig{
		PypiIndex:    c.Builtin.PypiIndex.Upstream,
		PypiPackages: c.Builtin.PypiPackages.Upstream,
		Anaconda:     c.Builtin.Anaconda.Upstream,
	}

	mgr := manager.New(variantPolicies, rulePolicies, upstream, c.SelfURL.String(), &http.Client{}, c.ErrorLogger, collector)
	frontDoor := server.NewFrontDoor(mgr, rules, c.AccessLogger, c.ErrorLogger)

	mux := http.NewServeMux()
	metricprom.WrapEndpoints(mux, frontDoor.ServeHTTP, statusPageHandler)

	httpServer := &http.Server{
		Addr:    c.Listen,
		Handler: mux,
	}

	if ctx.Int("profile_port") > 0 {
		go func() {
			profileAddr := ctx.String("profile_host") + ":" +
				strconv.Itoa(ctx.Int("profile_port"))
			log.Printf("Starting HTTP server for profiling on address %s",
				profileAddr)
			log.Fatal(http.ListenAndServe(profileAddr, nil))
		}()
	}

	log.Printf("Starting HTTP server on address %s", httpServer.Addr)
	return httpServer.ListenAndServe()
}

// policyFromSpec builds the cache.Policy a CacheSpec names. instanceID
// is unique per route so keys from different routes never collide in
// the shared metadata store. An lru.Policy is also appended to
// *lruPolicies so its caller can run startup reconciliation against
// every LRU-bounded route once all of them have been constructed.
func policyFromSpec(instanceID string, spec config.CacheSpec, store metadata.Store, blobs blob.Store, log cache.Logger, collector metric.Collector, lruPolicies *[]*lru.Policy) cache.Policy {
	switch spec.Kind {
	case "lru":
		p := lru.New(instanceID, spec.MaxSizeBytes, store, blobs, log, collector)
		*lruPolicies = append(*lruPolicies, p)
		return p
	case "ttl":
		return ttl.New(instanceID, time.Duration(spec.TTLSeconds)*time.Second, store, blobs, log, collector)
	default:
		return cache.NoCache{}
	}
}

func statusPageHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "mirror-cache %s\n", gitCommit)
}
