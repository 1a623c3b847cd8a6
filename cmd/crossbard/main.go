package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/mattjoyce/crossbard/internal/config"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	if cmd == "--version" {
		return runVersion(args)
	}

	switch cmd {
	// --- NOUNS ---
	case "system":
		return runSystemNoun(args)
	case "config":
		return runConfigNoun(args)
	case "producer":
		return runProducerNoun(args)
	case "store":
		return runStoreNoun(args)

	// --- ROOT ALIASES ---
	case "start":
		return runStart(args)
	case "watch":
		return runWatch(args)
	case "doctor":
		return runConfigCheck(args)
	case "version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: crossbard version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("crossbard %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalized, ok := normalizeBuildTimeUTC(built); ok {
		info.BuildTime = normalized
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}
	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`crossbard - status producer engine for menu-bar widgets

Usage:
  crossbard <noun> <action> [flags]

Core Resources (Nouns):
  system    Daemon lifecycle and health
  config    Configuration inspection and validation
  producer  Discovered status producers
  store     Published snapshots

System Commands:
  system start        Run the daemon in the foreground
  system status       Show whether the daemon is running
  system watch        Live producer dashboard (TUI)

Config Commands:
  config check        Validate configuration and producer setup
  config show         Print the resolved configuration
  config get <path>   Read one value (e.g. executor.max_concurrent, producer:cpu.10s.sh)
  config set <p>=<v>  Edit one value (--dry-run or --apply)

Producer Commands:
  producer list       Show discovered producers and skipped files
  producer run <id>   Run one producer once and print the parsed record

Store Commands:
  store show [id]     Print plugin_ids or one stored record

General:
  --version           Show version information
  version             Show version information
  help                Show this help message

Config is read from --config, $CROSSBAR_CONFIG, ~/.config/crossbard/config.yaml
or ./config.yaml, in that order.
Use 'crossbard <noun> help' for resource-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			printSystemStartHelp()
			return 0
		}
		return runStart(actionArgs)
	case "status":
		if hasHelpFlag(actionArgs) {
			printSystemStatusHelp()
			return 0
		}
		return runSystemStatus(actionArgs)
	case "watch":
		if hasHelpFlag(actionArgs) {
			printSystemWatchHelp()
			return 0
		}
		return runWatch(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			printConfigShowHelp()
			return 0
		}
		return runConfigShow(actionArgs)
	case "get":
		if hasHelpFlag(actionArgs) {
			printConfigGetHelp()
			return 0
		}
		return runConfigGet(actionArgs)
	case "set":
		if hasHelpFlag(actionArgs) {
			printConfigSetHelp()
			return 0
		}
		return runConfigSet(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runProducerNoun(args []string) int {
	if len(args) < 1 {
		printProducerNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printProducerNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "list":
		if hasHelpFlag(actionArgs) {
			printProducerListHelp()
			return 0
		}
		return runProducerList(actionArgs)
	case "run":
		if hasHelpFlag(actionArgs) {
			printProducerRunHelp()
			return 0
		}
		return runProducerRun(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown producer action: %s\n", action)
		return 1
	}
}

func runStoreNoun(args []string) int {
	if len(args) < 1 {
		printStoreNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printStoreNounHelp(os.Stdout)
		return 0
	}

	switch args[0] {
	case "show":
		if hasHelpFlag(args[1:]) {
			printStoreShowHelp()
			return 0
		}
		return runStoreShow(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown store action: %s\n", args[0])
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

// loadConfigForTool resolves the config path the same way the daemon does.
func loadConfigForTool(configPath string) (*config.Config, string, error) {
	if configPath == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			return nil, "", err
		}
		configPath = discovered
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, configPath, err
	}
	return cfg, configPath, nil
}

// configFlags are the value-taking flags shared by tool commands.
var configFlags = map[string]bool{"--config": true, "-config": true}

func splitFlagsAndPositionals(args []string, takesValue map[string]bool) ([]string, []string) {
	flags := make([]string, 0, len(args))
	positionals := make([]string, 0, len(args))

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") {
			positionals = append(positionals, arg)
			continue
		}

		flags = append(flags, arg)
		if strings.Contains(arg, "=") {
			continue
		}
		if takesValue[arg] && i+1 < len(args) {
			i++
			flags = append(flags, args[i])
		}
	}

	return flags, positionals
}

// --- HELP ---

func printSystemNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: crossbard system <action>")
	fmt.Fprintln(w, "Actions: start, status, watch")
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: crossbard config <action>")
	fmt.Fprintln(w, "Actions: check, show, get, set")
}

func printProducerNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: crossbard producer <action>")
	fmt.Fprintln(w, "Actions: list, run")
}

func printStoreNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: crossbard store <action>")
	fmt.Fprintln(w, "Actions: show")
}

func printSystemStartHelp() {
	fmt.Println("Usage: crossbard system start [--config PATH]")
	fmt.Println("Discover producers, schedule them and serve the API until SIGINT/SIGTERM.")
}

func printSystemStatusHelp() {
	fmt.Println("Usage: crossbard system status [--config PATH] [--json]")
	fmt.Println("Report the PID lock holder and, when the API is enabled, /healthz.")
}

func printSystemWatchHelp() {
	fmt.Println("Usage: crossbard system watch [flags]")
	fmt.Println()
	fmt.Println("Live producer dashboard fed by the daemon's API and event stream.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --api-url URL    Daemon API URL (default: http://127.0.0.1:8787)")
	fmt.Println("  --api-key KEY    API Bearer Token (or CROSSBAR_API_KEY env var)")
	fmt.Println()
	fmt.Println("Keybindings:")
	fmt.Println("  q, Ctrl+C        Quit")
	fmt.Println("  ↑/↓, k/j         Select producer")
	fmt.Println("  r                Refresh selected producer")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: crossbard config check [--config PATH] [--json]")
	fmt.Println("Validate configuration and the producer directories. Exit 1 on errors, 2 on warnings.")
}

func printConfigShowHelp() {
	fmt.Println("Usage: crossbard config show [--config PATH] [--json]")
	fmt.Println("Print the resolved configuration.")
}

func printConfigGetHelp() {
	fmt.Println("Usage: crossbard config get <path> [--config PATH] [--json]")
	fmt.Println("Read a single value from the resolved configuration.")
}

func printConfigSetHelp() {
	fmt.Println("Usage: crossbard config set <path>=<value> [--config PATH] [--dry-run | --apply]")
	fmt.Println("Set a configuration value with either preview or apply mode.")
}

func printProducerListHelp() {
	fmt.Println("Usage: crossbard producer list [--config PATH] [--json]")
	fmt.Println("Show discovered producers and the files discovery skipped.")
}

func printProducerRunHelp() {
	fmt.Println("Usage: crossbard producer run <id> [--config PATH]")
	fmt.Println("Execute a producer once and print the record it would publish. The store is not touched.")
}

func printStoreShowHelp() {
	fmt.Println("Usage: crossbard store show [id] [--config PATH]")
	fmt.Println("Print plugin_ids, or the stored record of one producer.")
}
