package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/crossbard/internal/api"
	"github.com/mattjoyce/crossbard/internal/config"
	"github.com/mattjoyce/crossbard/internal/doctor"
	"github.com/mattjoyce/crossbard/internal/executor"
	"github.com/mattjoyce/crossbard/internal/lock"
	"github.com/mattjoyce/crossbard/internal/log"
	"github.com/mattjoyce/crossbard/internal/producer"
	"github.com/mattjoyce/crossbard/internal/protocol"
	"github.com/mattjoyce/crossbard/internal/storage"
	"github.com/mattjoyce/crossbard/internal/store"
	"github.com/mattjoyce/crossbard/internal/tui/watch"
)

const healthTimeout = 2 * time.Second

// quietLogs keeps tool output on stdout readable.
func quietLogs() {
	log.Setup("ERROR", "text")
}

func runSystemStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	quietLogs()

	cfg, _, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	type statusReport struct {
		Running bool                 `json:"running"`
		PID     int                  `json:"pid,omitempty"`
		Lock    string               `json:"lock"`
		Health  *api.HealthzResponse `json:"health,omitempty"`
		Error   string               `json:"error,omitempty"`
	}
	report := statusReport{Lock: pidPath(cfg)}

	// A free lock means nothing is running; take and drop it to find out.
	if _, err := os.Stat(report.Lock); err == nil {
		l, err := lock.AcquirePIDLock(report.Lock)
		var held *lock.HeldError
		switch {
		case err == nil:
			_ = l.Release()
		case errors.As(err, &held):
			report.Running = true
			report.PID = held.PID
		default:
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
	}

	if report.Running && cfg.API.Enabled {
		health, err := fetchHealth(cfg.API.Listen)
		if err != nil {
			report.Error = err.Error()
		} else {
			report.Health = health
		}
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(data))
	} else {
		if !report.Running {
			fmt.Printf("crossbard: stopped (lock %s)\n", report.Lock)
		} else {
			fmt.Printf("crossbard: running (pid %d, lock %s)\n", report.PID, report.Lock)
		}
		if report.Health != nil {
			fmt.Printf("api: %s, uptime %ds, %d producer(s), %d running\n",
				report.Health.Status, report.Health.UptimeSeconds, report.Health.Producers, report.Health.Running)
		}
		if report.Error != "" {
			fmt.Printf("api: unreachable: %s\n", report.Error)
		}
	}
	if !report.Running {
		return 3
	}
	return 0
}

func fetchHealth(listen string) (*api.HealthzResponse, error) {
	client := &http.Client{Timeout: healthTimeout}
	resp, err := client.Get("http://" + listen + "/healthz")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("healthz returned %s", resp.Status)
	}
	var health api.HealthzResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("decode healthz: %w", err)
	}
	return &health, nil
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	apiURL := fs.String("api-url", "http://127.0.0.1:8787", "Daemon API URL")
	apiKey := fs.String("api-key", os.Getenv("CROSSBAR_API_KEY"), "API Bearer Token")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if err := watch.Run(*apiURL, *apiKey); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

// runConfigCheck exits 0 when clean, 2 with warnings and 1 on errors.
func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	quietLogs()

	cfg, _, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	result := doctor.Check(cfg)
	if *jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(result))
	}

	switch {
	case !result.Valid:
		return 1
	case len(result.Warnings) > 0:
		return 2
	default:
		return 0
	}
}

func runConfigShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, _, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Print(string(data))
	return 0
}

func runConfigGet(args []string) int {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")

	flags, positionals := splitFlagsAndPositionals(args, configFlags)
	if err := fs.Parse(flags); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}
	if len(positionals) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: crossbard config get <path> [--json]")
		return 1
	}
	path := positionals[0]

	cfg, _, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	val, err := cfg.GetPath(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(val, "", "  ")
		fmt.Println(string(data))
	} else {
		fmt.Printf("%v\n", val)
	}
	return 0
}

func runConfigSet(args []string) int {
	var configPath string
	var dryRun, apply bool

	fs := flag.NewFlagSet("set", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration file")
	fs.BoolVar(&dryRun, "dry-run", false, "Preview changes")
	fs.BoolVar(&apply, "apply", false, "Apply changes")

	var kvPair string
	var remainingArgs []string
	for _, arg := range args {
		if !strings.HasPrefix(arg, "-") && strings.Contains(arg, "=") && kvPair == "" {
			kvPair = arg
		} else {
			remainingArgs = append(remainingArgs, arg)
		}
	}

	if err := fs.Parse(remainingArgs); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if kvPair == "" {
		fmt.Fprintln(os.Stderr, "Usage: crossbard config set <path>=<value> [--dry-run | --apply]")
		return 1
	}
	if dryRun == apply {
		fmt.Fprintln(os.Stderr, "Error: exactly one of --dry-run or --apply must be specified for 'config set'.")
		return 1
	}

	path, value, _ := strings.Cut(kvPair, "=")
	cfg, target, err := loadConfigForTool(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	if dryRun {
		current, err := cfg.GetPath(path)
		if err != nil {
			fmt.Printf("Dry-run: would add %q = %q to %s\n", path, value, target)
			return 0
		}
		fmt.Printf("Dry-run: would change %q from %v to %q in %s\n", path, current, value, target)
		return 0
	}

	if err := config.SetPathInFile(target, path, value); err != nil {
		fmt.Fprintf(os.Stderr, "Apply failed: %v\n", err)
		return 1
	}
	fmt.Printf("Successfully set %q to %q\n", path, value)
	return 0
}

func runProducerList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	quietLogs()

	cfg, _, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	set, skipped, err := producer.Discover(cfg.Producers.Dirs, producer.OptionsFromConfig(cfg.Producers))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOut {
		type skippedEntry struct {
			Path   string `json:"path"`
			Reason string `json:"reason"`
			Error  string `json:"error,omitempty"`
		}
		out := struct {
			Producers []producer.Spec `json:"producers"`
			Skipped   []skippedEntry  `json:"skipped"`
		}{Producers: set.All(), Skipped: []skippedEntry{}}
		for _, de := range skipped {
			e := skippedEntry{Path: de.Path, Reason: de.Reason}
			if de.Err != nil {
				e.Error = de.Err.Error()
			}
			out.Skipped = append(out.Skipped, e)
		}
		data, _ := json.MarshalIndent(out, "", "  ")
		fmt.Println(string(data))
		return 0
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tINTERVAL\tENABLED\tPATH")
	for _, sp := range set.All() {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", sp.ID, sp.Interval, sp.Enabled, sp.Path)
	}
	_ = tw.Flush()
	for _, de := range skipped {
		fmt.Printf("skipped: %s\n", de.Error())
	}
	return 0
}

func runProducerRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")

	flags, positionals := splitFlagsAndPositionals(args, configFlags)
	if err := fs.Parse(flags); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positionals) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: crossbard producer run <id>")
		return 1
	}
	id := positionals[0]
	quietLogs()

	cfg, _, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	set, _, err := producer.Discover(cfg.Producers.Dirs, producer.OptionsFromConfig(cfg.Producers))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	spec, ok := set.Get(id)
	if !ok {
		fmt.Fprintf(os.Stderr, "Error: producer %q not found\n", id)
		return 1
	}

	ctx, stop := signalContext()
	defer stop()

	exec := executor.New(executor.OptionsFromConfig(cfg.Executor, currentVersionInfo().Version))
	res := exec.RunSpec(ctx, spec)
	if len(res.Stderr) > 0 {
		fmt.Fprint(os.Stderr, string(res.Stderr))
	}
	if err := res.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v (after %s)\n", err, res.Duration.Round(time.Millisecond))
		return 1
	}

	snap, err := protocol.Parse(spec.ID, res.Stdout)
	var parseErr *protocol.ParseError
	if errors.As(err, &parseErr) && parseErr.Empty {
		fmt.Fprintln(os.Stderr, "Producer printed nothing; the stored snapshot would be kept.")
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
	if !snap.Salvageable() {
		fmt.Fprintln(os.Stderr, "Error: nothing salvageable in output")
		return 1
	}
	snap.Truncated = res.StdoutTruncated

	data, _ := json.MarshalIndent(store.NewRecord(snap, time.Now()), "", "  ")
	fmt.Println(string(data))
	return 0
}

func runStoreShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")

	flags, positionals := splitFlagsAndPositionals(args, configFlags)
	if err := fs.Parse(flags); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positionals) > 1 {
		fmt.Fprintln(os.Stderr, "Usage: crossbard store show [id]")
		return 1
	}
	var id string
	if len(positionals) == 1 {
		id = positionals[0]
	}
	quietLogs()

	cfg, _, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if _, err := os.Stat(cfg.Store.Path); err != nil {
		fmt.Fprintf(os.Stderr, "Error: no store at %s: %v\n", cfg.Store.Path, err)
		return 1
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.Store.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer db.Close()

	st := store.New(store.NewSQLiteBackend(db), store.Options{RetainRemoved: cfg.Store.RetainRemoved})
	if err := st.Load(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	var out any = st.ListIDs()
	if id != "" {
		rec, ok := st.Get(id)
		if !ok {
			fmt.Fprintf(os.Stderr, "Error: no data for %q\n", id)
			return 1
		}
		out = rec
	}
	data, _ := json.MarshalIndent(out, "", "  ")
	fmt.Println(string(data))
	return 0
}
