package producer

import (
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/crossbard/internal/config"
)

var nameToken = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// DiscoveryError reports one entry that discovery skipped.
type DiscoveryError struct {
	Path   string
	Reason string
	Err    error
}

func (e *DiscoveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Reason)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// Options carries the config that shapes a discovery pass.
type Options struct {
	// Interpreters maps kind to argv prefix.
	Interpreters map[string][]string
	// Overrides are keyed by producer id.
	Overrides map[string]config.ProducerOverride
}

// OptionsFromConfig builds discovery options from the producers section.
func OptionsFromConfig(cfg config.ProducersConfig) Options {
	return Options{Interpreters: cfg.Interpreters, Overrides: cfg.Overrides}
}

// Discover scans the roots for files named <name>.<number><unit>.<kind>.
// Roots are processed in order and walked lexically; hidden entries are
// skipped. Every rejected entry becomes a DiscoveryError and the walk
// continues. The returned error is non-nil only when no roots are given.
func Discover(roots []string, opts Options) (Set, []*DiscoveryError, error) {
	var (
		specs    []Spec
		errs     []*DiscoveryError
		seen     = make(map[string]string)
		absRoots []string
	)

	seenRoots := make(map[string]struct{}, len(roots))
	for _, root := range roots {
		root = strings.TrimSpace(root)
		if root == "" {
			continue
		}
		absRoot, err := filepath.Abs(root)
		if err != nil {
			errs = append(errs, &DiscoveryError{Path: root, Reason: "cannot resolve root", Err: err})
			continue
		}
		if _, ok := seenRoots[absRoot]; ok {
			continue
		}
		seenRoots[absRoot] = struct{}{}
		absRoots = append(absRoots, absRoot)
	}
	if len(absRoots) == 0 {
		return Set{}, errs, fmt.Errorf("at least one producer root is required")
	}

	for _, root := range absRoots {
		info, err := os.Stat(root)
		if err != nil {
			errs = append(errs, &DiscoveryError{Path: root, Reason: "root is not accessible", Err: err})
			continue
		}
		if !info.IsDir() {
			errs = append(errs, &DiscoveryError{Path: root, Reason: "root is not a directory"})
			continue
		}

		walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				errs = append(errs, &DiscoveryError{Path: path, Reason: "cannot read entry", Err: err})
				if d != nil && d.IsDir() && path != root {
					return fs.SkipDir
				}
				return nil
			}
			if path != root && strings.HasPrefix(d.Name(), ".") {
				if d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				return nil
			}

			spec, derr := inspect(path, d, opts)
			if derr != nil {
				errs = append(errs, derr)
				return nil
			}
			if kept, dup := seen[spec.ID]; dup {
				errs = append(errs, &DiscoveryError{
					Path:   path,
					Reason: fmt.Sprintf("duplicate producer id %q (keeping %s)", spec.ID, kept),
				})
				return nil
			}
			seen[spec.ID] = path
			specs = append(specs, spec)
			return nil
		})
		if walkErr != nil {
			errs = append(errs, &DiscoveryError{Path: root, Reason: "walk aborted", Err: walkErr})
		}
	}

	return NewSet(specs), errs, nil
}

// ParseFileName splits "<name>.<number><unit>.<kind>" into its parts and
// validates the interval.
func ParseFileName(fileName string) (name string, interval string, kind string, err error) {
	parts := strings.Split(fileName, ".")
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("name must look like <name>.<interval>.<kind>")
	}
	name, interval, kind = parts[0], parts[1], parts[2]
	if !nameToken.MatchString(name) {
		return "", "", "", fmt.Errorf("invalid name token %q", name)
	}
	if kind == "" {
		return "", "", "", fmt.Errorf("missing kind extension")
	}
	if _, err := config.ParseInterval(interval); err != nil {
		return "", "", "", err
	}
	return name, interval, kind, nil
}

func inspect(path string, d fs.DirEntry, opts Options) (Spec, *DiscoveryError) {
	fileName := d.Name()
	name, intervalText, kind, err := ParseFileName(fileName)
	if err != nil {
		return Spec{}, &DiscoveryError{Path: path, Reason: "malformed producer name", Err: err}
	}
	interval, _ := config.ParseInterval(intervalText)

	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return Spec{}, &DiscoveryError{Path: path, Reason: "cannot resolve symlink", Err: err}
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return Spec{}, &DiscoveryError{Path: path, Reason: "cannot stat file", Err: err}
	}
	if !info.Mode().IsRegular() {
		return Spec{}, &DiscoveryError{Path: path, Reason: "not a regular file"}
	}

	dirInfo, err := os.Stat(filepath.Dir(resolved))
	if err != nil {
		return Spec{}, &DiscoveryError{Path: path, Reason: "cannot stat parent directory", Err: err}
	}
	if dirInfo.Mode().Perm()&0o002 != 0 {
		return Spec{}, &DiscoveryError{Path: path, Reason: "parent directory is world-writable"}
	}

	interpreter := opts.Interpreters[kind]
	if len(interpreter) == 0 && info.Mode().Perm()&0o111 == 0 {
		return Spec{}, &DiscoveryError{
			Path:   path,
			Reason: fmt.Sprintf("not executable and no interpreter configured for %q", kind),
		}
	}

	fingerprint, err := fingerprintFile(resolved)
	if err != nil {
		return Spec{}, &DiscoveryError{Path: path, Reason: "unreadable", Err: err}
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	spec := Spec{
		ID:          fileName,
		Name:        name,
		Path:        absPath,
		Kind:        kind,
		Interval:    interval,
		Enabled:     true,
		Interpreter: append([]string(nil), interpreter...),
		Fingerprint: fingerprint,
	}
	if o, ok := opts.Overrides[fileName]; ok {
		if o.Enabled != nil {
			spec.Enabled = *o.Enabled
		}
		spec.Timeout = o.Timeout
		if len(o.Env) > 0 {
			spec.Env = make(map[string]string, len(o.Env))
			for k, v := range o.Env {
				spec.Env[k] = v
			}
		}
	}
	if len(spec.Interpreter) == 0 {
		spec.Interpreter = nil
	}
	return spec, nil
}

func fingerprintFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return "blake3:" + hex.EncodeToString(h.Sum(nil)), nil
}
