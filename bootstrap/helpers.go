package bootstrap

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"posdesk/config"
	"posdesk/migrate"
)

// DataDirectories defines the paths that need to exist for posdesk to run.
type DataDirectories struct {
	Base    string   // Base data directory (default: ./data)
	Store   string   // SQLite store path
	Vault   string   // sealed vault snapshot
	FSRoots []string // roots exposed to the fs plugin
}

// DataDirectoriesFromConfig creates DataDirectories from configuration.
func DataDirectoriesFromConfig(cfg *config.Config) DataDirectories {
	return DataDirectories{
		Base:    cfg.DataPaths.DataDir,
		Store:   cfg.DataPaths.StorePath,
		Vault:   cfg.DataPaths.VaultPath,
		FSRoots: cfg.FS.Roots,
	}
}

// EnsureDataDirectories creates required data directories and verifies they
// are writable. It runs before any plugin is constructed.
func EnsureDataDirectories(dirs DataDirectories, sugar *zap.SugaredLogger) error {
	toCreate := []string{dirs.Base, filepath.Dir(dirs.Store), filepath.Dir(dirs.Vault)}
	toCreate = append(toCreate, dirs.FSRoots...)

	seen := make(map[string]bool, len(toCreate))
	for _, dir := range toCreate {
		absPath, err := filepath.Abs(dir)
		if err != nil {
			return fmt.Errorf("failed to resolve absolute path for %s: %w", dir, err)
		}
		if seen[absPath] {
			continue
		}
		seen[absPath] = true

		if err := os.MkdirAll(absPath, 0o750); err != nil {
			return fmt.Errorf("failed to create directory %s: %w\n"+
				"  Remediation: Ensure the parent directory exists and is writable\n"+
				"  Or point POSDESK_DATA_DIR at a writable location", dir, err)
		}

		testFile := filepath.Join(absPath, ".posdesk_write_test")
		if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
			return fmt.Errorf("directory %s is not writable: %w\n"+
				"  Remediation: Check file system permissions on %s", dir, err, absPath)
		}
		os.Remove(testFile)

		sugar.Debugw("Data directory ready", "path", absPath)
	}

	sugar.Info("All data directories verified")
	return nil
}

// ClassifyMigrationError explains a migration failure with remediation
// steps for the startup banner.
func ClassifyMigrationError(err error, cfg config.Migration) string {
	if err == nil {
		return ""
	}

	var merr *migrate.Error
	if !errors.As(err, &merr) {
		return fmt.Sprintf("Database migration failed: %v", err)
	}

	switch merr.Kind {
	case migrate.KindDirectoryResolution:
		return fmt.Sprintf("Could not determine the project root directory.\n"+
			"  The migration command runs in the parent of the working directory.\n"+
			"  Cause: %v\n"+
			"  Remediation:\n"+
			"  - Launch posdesk from inside the project, not from the filesystem root", merr.Err)

	case migrate.KindLaunchFailed:
		return fmt.Sprintf("The migration command %q could not be started.\n"+
			"  Cause: %v\n"+
			"  Remediation:\n"+
			"  - Check that the tool is installed and on PATH\n"+
			"  - Override the command with POSDESK_MIGRATION_COMMAND", cfg.Command, merr.Err)

	default:
		code := "unknown (terminated by signal)"
		if merr.Code != nil {
			code = fmt.Sprintf("%d", *merr.Code)
		}
		msg := fmt.Sprintf("Migration command %q failed with exit code: %s\n"+
			"  Remediation:\n"+
			"  - Check the migration output above for the failing step\n"+
			"  - Verify %s points at a reachable database", cfg.Command, code, cfg.DatabaseURLEnv)
		if _, ok := os.LookupEnv(cfg.DatabaseURLEnv); !ok {
			msg += fmt.Sprintf("\n  - %s is not set; the built-in default descriptor was used", cfg.DatabaseURLEnv)
		}
		return msg
	}
}

// ClassifyStoreError provides specific error messages for store backend failures.
func ClassifyStoreError(err error, backend, location string) string {
	if err == nil {
		return ""
	}

	errStr := strings.ToLower(err.Error())

	if backend == "redis" {
		if strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "actively refused") {
			return fmt.Sprintf("Connection refused by Redis at %s.\n"+
				"  Remediation:\n"+
				"  - Start Redis or switch store.backend to sqlite\n"+
				"  - Verify store.redis.addr", location)
		}
		return fmt.Sprintf("Failed to connect to Redis at %s: %v", location, err)
	}

	absPath, _ := filepath.Abs(location)
	switch {
	case strings.Contains(errStr, "permission denied") || strings.Contains(errStr, "access denied"):
		return fmt.Sprintf("Permission denied accessing the store at %s.\n"+
			"  Remediation:\n"+
			"  - Check permissions on %s and its directory", absPath, absPath)
	case strings.Contains(errStr, "database is locked") || strings.Contains(errStr, "sqlite_busy"):
		return fmt.Sprintf("The store at %s is locked by another process.\n"+
			"  Remediation:\n"+
			"  - Close any other posdesk instance using the same data directory", absPath)
	case strings.Contains(errStr, "corrupt") || strings.Contains(errStr, "malformed"):
		return fmt.Sprintf("The store at %s appears to be corrupted.\n"+
			"  CRITICAL: Back up the file before proceeding!\n"+
			"  Remediation:\n"+
			"  - Check integrity: sqlite3 %s \"PRAGMA integrity_check;\"", absPath, absPath)
	}
	return fmt.Sprintf("Failed to open the store at %s: %v", absPath, err)
}

// printBanner writes a framed fatal-or-warning message to stderr
func printBanner(w io.Writer, title, body string) {
	fmt.Fprintf(w, "\n========================================\n")
	fmt.Fprintf(w, "%s\n", title)
	fmt.Fprintf(w, "========================================\n")
	fmt.Fprintf(w, "%s\n", body)
	fmt.Fprintf(w, "========================================\n\n")
}
