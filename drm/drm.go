// Package drm defines the contract each distributed resource manager dialect
// (PBS, SLURM, GRAM, ...) implements: turning a JobRequest into command lines,
// and turning the text those commands print back into canonical job states.
//
// Implementations are pure: they never perform I/O. Running the commands is the
// job of a channel.Channel.
package drm

import (
	"fmt"
	"path"
	"strings"

	"github.com/hpcgate/hpcgate/job"
)

// CommandGenerator builds the remote command lines for one scheduler dialect.
type CommandGenerator interface {
	// SubmitCommand submits the script at scriptPath, resolved in req.WorkingDir.
	SubmitCommand(req *job.JobRequest, scriptPath string) job.RawCommand
	MonitorCommand(h job.Handle) job.RawCommand
	// UserMonitorCommand lists every job owned by user.
	UserMonitorCommand(user string) job.RawCommand
	CancelCommand(h job.Handle) job.RawCommand
}

// OutputKind says which command produced a piece of output.
type OutputKind int

const (
	SubmitOutput OutputKind = iota
	MonitorOutput
	CancelOutput
)

func (k OutputKind) String() string {
	switch k {
	case SubmitOutput:
		return "submit"
	case MonitorOutput:
		return "monitor"
	case CancelOutput:
		return "cancel"
	}
	return fmt.Sprintf("OutputKind(%d)", int(k))
}

// ParseResult is the classification of one command's output.
// State is UNKNOWN, with Diagnostic carrying the raw text, when nothing matched.
type ParseResult struct {
	State      job.State
	Handle     job.Handle
	Diagnostic string
}

// OutputParser classifies scheduler output. Parse must be total: any input,
// including empty or truncated text, yields a ParseResult and never panics.
type OutputParser interface {
	Parse(kind OutputKind, raw string) ParseResult
	// ParseUserJobs classifies the output of a UserMonitorCommand.
	ParseUserJobs(raw string) map[job.Handle]job.State
}

// ScriptGenerator renders the batch script (or job description) submitted for a request.
type ScriptGenerator interface {
	Script(req *job.JobRequest) (string, error)
	ScriptExtension() string
}

// Adapter is the full per-dialect pair plus script rendering.
type Adapter interface {
	CommandGenerator
	OutputParser
	ScriptGenerator
	Scheduler() job.SchedulerType
}

// Lookup finds the Adapter for a scheduler.
type Lookup interface {
	Adapter(t job.SchedulerType) (Adapter, error)
}

// Config parameterizes an Adapter.
type Config struct {
	// Directory holding the scheduler binaries. Empty means use $PATH.
	InstallPath string `json:"installPath" toml:"install_path"`
	// Extension of generated scripts, including the dot.
	ScriptExtension string `json:"scriptExtension" toml:"script_extension"`
	// Name of the script template to render. Empty selects the dialect default.
	TemplateID string `json:"templateId" toml:"template_id"`
	// Service endpoint, used by dialects that submit to a gatekeeper (GRAM).
	Endpoint string `json:"endpoint" toml:"endpoint"`
}

// NormalizeInstallPath returns p with exactly one trailing "/", or "" if p is blank.
func NormalizeInstallPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	trimmed := strings.TrimRight(p, "/")
	return trimmed + "/"
}

// Bin prefixes name with the normalized install path.
func Bin(installPath, name string) string {
	return NormalizeInstallPath(installPath) + name
}

// ScriptIn resolves the basename of scriptPath inside workingDir.
func ScriptIn(workingDir, scriptPath string) string {
	return strings.TrimRight(workingDir, "/") + "/" + path.Base(scriptPath)
}

// StagePath is where a generated script for req is written on the resource.
func StagePath(req *job.JobRequest, ext string) string {
	name := req.Name
	if name == "" {
		name = "job"
	}
	return strings.TrimRight(req.WorkingDir, "/") + "/" + SafeName(name) + ext
}

// SafeName maps s onto the characters every scheduler accepts in a job or file name.
func SafeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "job"
	}
	return b.String()
}

const heredocMarker = "HPCGATE_SCRIPT_EOF"

// StageCommand writes content to path on the resource and makes it executable.
// The heredoc marker is quoted so the remote shell performs no expansion. The
// command creates its own directory, so it carries no WorkingDir.
func StageCommand(path, content string) job.RawCommand {
	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	dir := path[:strings.LastIndex(path, "/")+1]
	if dir == "" {
		dir = "."
	}
	cmd := fmt.Sprintf("mkdir -p %s && cat > %s <<'%s'\n%s%s\nchmod 700 %s",
		ShellQuote(dir), ShellQuote(path), heredocMarker, content, heredocMarker, ShellQuote(path))
	return job.RawCommand{Command: cmd}
}

// ShellQuote single-quotes s for a POSIX shell.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("/._-:=+@%,", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.Replace(s, "'", `'\''`, -1) + "'"
}

// CommandLine joins an executable and its args into a quoted shell command line.
func CommandLine(executable string, args []string) string {
	parts := []string{ShellQuote(executable)}
	for _, a := range args {
		parts = append(parts, ShellQuote(a))
	}
	return strings.Join(parts, " ")
}

// Lines splits raw into trimmed, non-empty lines. CRLF endings are tolerated.
func Lines(raw string) []string {
	var out []string
	for _, l := range strings.Split(strings.Replace(raw, "\r\n", "\n", -1), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

// Unknown is the ParseResult for unclassifiable output.
func Unknown(raw string) ParseResult {
	return ParseResult{State: job.UNKNOWN, Diagnostic: raw}
}
