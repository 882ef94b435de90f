package remote

import (
	"strings"
)

// DefaultCommand is the name of the program run on the far end.
const DefaultCommand = "btrbck"

// Flags are the settings propagated to the far end of a transfer.
type Flags struct {
	// Command is the remote program. Empty means DefaultCommand.
	Command string

	// Sudo runs the remote program through sudo.
	Sudo bool

	// SudoBtrfs tells the remote program to run btrfs through sudo.
	SudoBtrfs bool

	// Create tells a remote receiver to create a missing stream.
	Create bool

	Verbose bool

	// ID is the correlation id shared by both ends' log lines.
	ID string
}

// Command builds the argument vector for running subcommand
// on stream in the repository at location.
func Command(f Flags, location, subcommand, stream string) []string {
	var argv []string
	if f.Sudo {
		argv = append(argv, "sudo", "-n")
	}
	cmd := f.Command
	if cmd == "" {
		cmd = DefaultCommand
	}
	argv = append(argv, cmd, "-r", location)
	if f.Create {
		argv = append(argv, "-c")
	}
	if f.Verbose {
		argv = append(argv, "-v")
	}
	if f.SudoBtrfs {
		argv = append(argv, "-sudo")
	}
	if f.ID != "" {
		argv = append(argv, "-id", f.ID)
	}
	return append(argv, subcommand, stream)
}

// Quote quotes s for a POSIX shell.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, needsQuoting) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func needsQuoting(r rune) bool {
	switch {
	case 'a' <= r && r <= 'z', 'A' <= r && r <= 'Z', '0' <= r && r <= '9':
		return false
	}
	return !strings.ContainsRune("-_./=:@,+%", r)
}

// CommandLine joins argv into a single shell command line,
// which is what an SSH server executes.
func CommandLine(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = Quote(a)
	}
	return strings.Join(quoted, " ")
}
