package instance

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

// DefaultName is the implicit instance backed by the bare base executable.
const DefaultName = "default"

const configExt = ".toml"

// ErrNoInstances means discovery found nothing runnable. The service must not
// enter Running with zero managed processes.
var ErrNoInstances = errors.New("no valid instances discovered")

// Definition is one runnable child: an executable paired with its config file.
type Definition struct {
	Name       string
	ExecPath   string
	ConfigPath string

	// ConfigDigest is the BLAKE3 hex digest of the config file at discovery
	// time, journaled per cycle so config drift between runs is visible.
	// Empty if the digest could not be computed.
	ConfigDigest string
}

// Discover scans root for the default executable <base> and named variants
// <base>@<name>. Every candidate needs a co-located config file (<base>.toml
// for the default, <name>.toml for variants); candidates missing one are
// skipped with a warning. The result is ordered default-first, then variants
// lexicographically by name, so repeated runs manage the same set.
func Discover(root, base string, logger *slog.Logger) ([]Definition, error) {
	if logger == nil {
		logger = slog.Default()
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read instance root %s: %w", root, err)
	}

	var defs []Definition
	seen := map[string]string{} // name -> executable that claimed it

	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		name, ok := candidateName(e.Name(), base)
		if !ok {
			continue
		}

		execPath := filepath.Join(root, e.Name())
		if !isExecutable(execPath) {
			logger.Warn("skipping candidate: not executable", "path", execPath)
			continue
		}

		if prev, dup := seen[name]; dup {
			logger.Warn("skipping candidate: duplicate instance name",
				"instance", name, "path", execPath, "kept", prev)
			continue
		}

		cfgName := name + configExt
		if name == DefaultName {
			cfgName = base + configExt
		}
		configPath := filepath.Join(root, cfgName)
		if _, err := os.Stat(configPath); err != nil {
			logger.Warn("skipping candidate: missing config file",
				"instance", name, "executable", execPath, "config", configPath)
			continue
		}

		def := Definition{
			Name:       name,
			ExecPath:   execPath,
			ConfigPath: configPath,
		}
		if digest, err := digestFile(configPath); err != nil {
			logger.Warn("could not digest config file", "instance", name, "error", err)
		} else {
			def.ConfigDigest = digest
		}

		seen[name] = execPath
		defs = append(defs, def)
		logger.Info("discovered instance", "instance", name,
			"executable", execPath, "config", configPath)
	}

	if len(defs) == 0 {
		return nil, fmt.Errorf("%w (root %s, base %s)", ErrNoInstances, root, base)
	}

	sort.Slice(defs, func(i, j int) bool {
		if defs[i].Name == DefaultName {
			return true
		}
		if defs[j].Name == DefaultName {
			return false
		}
		return defs[i].Name < defs[j].Name
	})
	return defs, nil
}

// candidateName maps an executable filename to its instance name. The bare
// base executable is the default instance; base@<name> is a named variant.
func candidateName(filename, base string) (string, bool) {
	if filename == base {
		return DefaultName, true
	}
	name, ok := strings.CutPrefix(filename, base+"@")
	if !ok || name == "" {
		return "", false
	}
	return name, true
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Mode()&0o111 != 0
}

func digestFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
