package migrate

import "strings"

const (
	DefaultWindowsShell = "cmd"
	DefaultPosixShell   = "sh"

	// statuses reported by the shells themselves when the command is missing
	posixCommandNotFound = 127
	cmdCommandNotFound   = 9009
)

// ShellCommand returns the program and arguments that run command through
// the host shell of goos.
func ShellCommand(goos, windowsShell, posixShell, command string) (string, []string) {
	if goos == "windows" {
		if windowsShell == "" {
			windowsShell = DefaultWindowsShell
		}
		return windowsShell, []string{"/C", command}
	}
	if posixShell == "" {
		posixShell = DefaultPosixShell
	}
	return posixShell, []string{"-c", command}
}

func commandNotFoundStatus(goos string) int {
	if goos == "windows" {
		return cmdCommandNotFound
	}
	return posixCommandNotFound
}

// shellReportedMissing reports whether stderr ends with a shell's "command
// not found" diagnostic: "sh: 1: yarn: not found", "bash: yarn: command not
// found", or cmd's two-line "'yarn' is not recognized as an internal or
// external command,\noperable program or batch file."
func shellReportedMissing(stderr string) bool {
	lines := strings.Split(strings.TrimRight(strings.ToLower(stderr), "\r\n"), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if strings.HasSuffix(last, "not found") || strings.Contains(last, "command not found") {
		return true
	}
	if len(lines) >= 2 {
		prev := lines[len(lines)-2]
		return strings.Contains(prev, "is not recognized as an internal or external command")
	}
	return false
}

// mergeEnv returns environ with key=value set, dropping every earlier entry
// for key. Windows environment names are case-insensitive.
func mergeEnv(environ []string, key, value string, foldCase bool) []string {
	out := make([]string, 0, len(environ)+1)
	for _, kv := range environ {
		name, _, ok := strings.Cut(kv, "=")
		if !ok {
			out = append(out, kv)
			continue
		}
		if name == key || (foldCase && strings.EqualFold(name, key)) {
			continue
		}
		out = append(out, kv)
	}
	return append(out, key+"="+value)
}
