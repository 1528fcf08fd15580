package lifecycle

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"

	"github.com/meridianhq/meridian/model"
)

// Check severities. Abort stops startup; warnings are logged and
// startup continues.
const (
	SeverityOK      = "ok"
	SeverityWarning = "warning"
	SeverityAbort   = "abort"
)

// CheckResult is one self-diagnostic outcome.
type CheckResult struct {
	Name     string
	Severity string
	Detail   string
}

// minGoMajor and minGoMinor are the oldest runtime the embedded
// JetStream server supports.
const (
	minGoMajor = 1
	minGoMinor = 21
)

// RunDiagnostics performs the startup self-checks. Callers abort when
// HasAbort reports true.
func RunDiagnostics(cfg *model.Config) []CheckResult {
	return []CheckResult{
		checkRuntime(),
		checkDataDir(cfg.DataDir),
		checkPort(cfg.MetricsAddr),
		checkDatabaseFiles(cfg.DataDir),
		checkDiskSpace(cfg.DataDir, cfg.MinDiskSpaceMb),
		checkMemory(cfg.MinRamMb),
	}
}

// HasAbort reports whether any check failed at abort severity.
func HasAbort(results []CheckResult) bool {
	for _, r := range results {
		if r.Severity == SeverityAbort {
			return true
		}
	}
	return false
}

func checkRuntime() CheckResult {
	version := runtime.Version()
	var major, minor int
	if _, err := fmt.Sscanf(version, "go%d.%d", &major, &minor); err == nil {
		if major < minGoMajor || (major == minGoMajor && minor < minGoMinor) {
			return CheckResult{
				Name:     "runtime_version",
				Severity: SeverityAbort,
				Detail:   fmt.Sprintf("%s is older than go%d.%d", version, minGoMajor, minGoMinor),
			}
		}
	}
	return CheckResult{Name: "runtime_version", Severity: SeverityOK, Detail: version}
}

func checkDataDir(dir string) CheckResult {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return CheckResult{Name: "data_dir", Severity: SeverityAbort, Detail: err.Error()}
	}
	probe := filepath.Join(dir, ".write-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return CheckResult{Name: "data_dir", Severity: SeverityAbort,
			Detail: fmt.Sprintf("%s not writable: %v", dir, err)}
	}
	os.Remove(probe)
	return CheckResult{Name: "data_dir", Severity: SeverityOK, Detail: dir}
}

func checkPort(addr string) CheckResult {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return CheckResult{Name: "port", Severity: SeverityAbort,
			Detail: fmt.Sprintf("%s unavailable: %v", addr, err)}
	}
	ln.Close()
	return CheckResult{Name: "port", Severity: SeverityOK, Detail: addr}
}

// checkDatabaseFiles verifies existing JetStream storage is readable
// and writable. A missing directory is fine on first run.
func checkDatabaseFiles(dataDir string) CheckResult {
	dir := filepath.Join(dataDir, "jetstream")
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return CheckResult{Name: "database_files", Severity: SeverityOK, Detail: "not created yet"}
	}
	if err != nil {
		return CheckResult{Name: "database_files", Severity: SeverityAbort, Detail: err.Error()}
	}
	if !info.IsDir() {
		return CheckResult{Name: "database_files", Severity: SeverityAbort,
			Detail: fmt.Sprintf("%s is not a directory", dir)}
	}
	probe := filepath.Join(dir, ".write-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return CheckResult{Name: "database_files", Severity: SeverityAbort,
			Detail: fmt.Sprintf("%s not writable: %v", dir, err)}
	}
	os.Remove(probe)
	return CheckResult{Name: "database_files", Severity: SeverityOK, Detail: dir}
}

func checkDiskSpace(dir string, minMb int64) CheckResult {
	freeMb, err := diskFreeMb(dir)
	if err != nil || freeMb < 0 {
		return CheckResult{Name: "disk_space", Severity: SeverityOK, Detail: "unavailable on this platform"}
	}
	if freeMb < minMb {
		return CheckResult{Name: "disk_space", Severity: SeverityWarning,
			Detail: fmt.Sprintf("%d MB free, want at least %d MB", freeMb, minMb)}
	}
	return CheckResult{Name: "disk_space", Severity: SeverityOK,
		Detail: fmt.Sprintf("%d MB free", freeMb)}
}

func checkMemory(minMb int64) CheckResult {
	freeMb, err := memFreeMb()
	if err != nil || freeMb < 0 {
		return CheckResult{Name: "memory", Severity: SeverityOK, Detail: "unavailable on this platform"}
	}
	if freeMb < minMb {
		return CheckResult{Name: "memory", Severity: SeverityWarning,
			Detail: fmt.Sprintf("%d MB free, want at least %d MB", freeMb, minMb)}
	}
	return CheckResult{Name: "memory", Severity: SeverityOK,
		Detail: fmt.Sprintf("%d MB free", freeMb)}
}
