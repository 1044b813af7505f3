package localexec

import (
	"os/exec"
	"sort"
	"strings"
)

// Interpreter describes one allowlisted interpreter on this host.
type Interpreter struct {
	Name      string `json:"name"`
	Path      string `json:"path,omitempty"`
	Version   string `json:"version,omitempty"`
	Available bool   `json:"available"`
}

// lookPath is swapped in tests.
var lookPath = exec.LookPath

// versionFlags are the arguments that print each interpreter's version.
// sh has no portable version flag.
var versionFlags = map[string]string{
	"python3": "--version",
	"node":    "--version",
}

// Detect scans PATH for every allowlisted interpreter, sorted by name.
func Detect() []Interpreter {
	names := make([]string, 0, len(allowedInterpreters))
	for name := range allowedInterpreters {
		names = append(names, name)
	}
	sort.Strings(names)

	found := make([]Interpreter, 0, len(names))
	for _, name := range names {
		found = append(found, detect(name))
	}
	return found
}

// Lookup reports whether interpreter is allowlisted and installed.
func Lookup(interpreter string) (Interpreter, error) {
	if !IsAllowed(interpreter) {
		return Interpreter{Name: interpreter}, ErrNotAllowed
	}
	in := detect(interpreter)
	if !in.Available {
		return in, exec.ErrNotFound
	}
	return in, nil
}

func detect(name string) Interpreter {
	in := Interpreter{Name: name}
	path, err := lookPath(name)
	if err != nil {
		return in
	}
	in.Path = path
	in.Available = true
	if flag, ok := versionFlags[name]; ok {
		in.Version = commandVersion(path, flag)
	}
	return in
}

func commandVersion(cmd string, flag string) string {
	out, err := exec.Command(cmd, flag).Output()
	if err != nil {
		return ""
	}
	version := strings.TrimSpace(string(out))
	// Take first line only
	if idx := strings.Index(version, "\n"); idx > 0 {
		version = version[:idx]
	}
	if len(version) > 30 {
		version = version[:30]
	}
	return version
}
