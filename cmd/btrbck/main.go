// Command btrbck manages repositories of numbered snapshot streams
// and replicates them between hosts.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/bobg/subcmd"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/bobg/btrbck"
	_ "github.com/bobg/btrbck/engine/btrfs"
	_ "github.com/bobg/btrbck/engine/dir"
	"github.com/bobg/btrbck/engine/logging"
	"github.com/bobg/btrbck/journal"
	"github.com/bobg/btrbck/remote"
	"github.com/bobg/btrbck/repo"
	"github.com/bobg/btrbck/transfer"
)

type maincmd struct {
	repoPath    string
	create      bool
	application bool
	sudo        bool

	remoteCmd        string
	sudoRemoteBtrbck bool
	sudoRemoteBtrfs  bool
	verbose          bool
	id               string

	log    *btrbck.Logger
	env    *repo.Env
	ssh    remote.Execer
	stdin  io.Reader
	stdout io.Writer
}

func main() {
	var c maincmd

	flag.StringVar(&c.repoPath, "r", "", "repository location (default: the repository containing the current directory)")
	flag.BoolVar(&c.create, "c", false, "create streams on the receiving side if missing")
	flag.BoolVar(&c.application, "a", false, "create an application repository instead of a backup repository")
	flag.BoolVar(&c.sudo, "sudo", false, "run btrfs through sudo")
	flag.StringVar(&c.remoteCmd, "remoteCmd", remote.DefaultCommand, "name of the btrbck binary on remote hosts")
	flag.BoolVar(&c.sudoRemoteBtrbck, "sudoRemoteBtrbck", false, "run btrbck through sudo on remote hosts")
	flag.BoolVar(&c.sudoRemoteBtrfs, "sudoRemoteBtrfs", false, "run btrfs through sudo on remote hosts")
	flag.BoolVar(&c.verbose, "v", false, "verbose logging")
	flag.StringVar(&c.id, "id", "", "correlation id for log lines (default: random)")
	flag.Parse()

	if c.id == "" {
		c.id, _, _ = strings.Cut(uuid.NewString(), "-")
	}

	c.log = &btrbck.Logger{
		L:       log.New(os.Stderr, "["+c.id+"] ", log.LstdFlags),
		Verbose: c.verbose,
	}
	c.env = &repo.Env{
		NewEngine: c.newEngine,
		Log:       c.log,
	}
	c.stdin, c.stdout = os.Stdin, os.Stdout

	ssh, err := remote.NewSSH(8, c.log)
	if err != nil {
		c.log.L.Fatal(err)
	}
	c.ssh = ssh

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	if flag.NArg() == 0 {
		err = usageErrorf("no subcommand given")
	} else {
		err = subcmd.Run(ctx, c, flag.Args())
	}
	cancel()
	if cerr := ssh.Close(); cerr != nil {
		c.log.Debugf("closing ssh connections: %s", cerr)
	}
	if err != nil {
		report(os.Stderr, err)
		os.Exit(1)
	}
}

func (c maincmd) Subcmds() subcmd.Map {
	return subcmd.Commands(
		"create", c.createCmd, subcmd.Params(
			"engine", subcmd.String, repo.DefaultEngine, "snapshot engine for a new repository (btrfs or dir)",
		),
		"delete", c.deleteCmd, nil,
		"history", c.history, subcmd.Params(
			"failed", subcmd.Bool, false, "show only failed transfers",
		),
		"list", c.list, nil,
		"lock", c.lock, nil,
		"process", c.process, nil,
		"prune", c.prune, nil,
		"pull", c.pull, nil,
		"push", c.push, nil,
		"receiveSnapshots", c.receiveSnapshots, nil,
		"restore", c.restore, nil,
		"sendSnapshots", c.sendSnapshots, nil,
		"snapshot", c.snapshot, nil,
		"version", c.version, nil,
	)
}

func (c maincmd) newEngine(name string) (btrbck.Engine, error) {
	e, err := btrbck.NewEngine(name, btrbck.EngineOptions{Sudo: c.sudo, Log: c.log})
	if err != nil {
		return nil, err
	}
	if c.verbose {
		e = logging.New(e, c.log)
	}
	return e, nil
}

func (c maincmd) path() string {
	if c.repoPath == "" {
		return "."
	}
	return c.repoPath
}

// open finds the repository and locks it.
// With exact set, the repository must be rooted at the -r location itself.
func (c maincmd) open(ctx context.Context, exact bool) (*repo.Repository, *repo.Lock, error) {
	read := repo.Read
	if exact {
		read = repo.ReadExact
	}
	r, err := read(ctx, c.env, c.path())
	if err != nil {
		return nil, nil, err
	}
	lock, err := r.Lock()
	if err != nil {
		return nil, nil, err
	}
	return r, lock, nil
}

func (c maincmd) release(lock *repo.Lock) {
	if err := lock.Release(); err != nil {
		c.log.Printf("ERROR %s", err)
	}
}

func (c maincmd) openJournal(ctx context.Context, r *repo.Repository) *journal.Journal {
	j, err := journal.Open(ctx, r.JournalFile())
	if err != nil {
		c.log.Printf("ERROR opening journal, transfers will not be recorded: %s", err)
		return nil
	}
	return j
}

func (c maincmd) closeJournal(j *journal.Journal) {
	if j == nil {
		return
	}
	if err := j.Close(); err != nil {
		c.log.Printf("ERROR closing journal: %s", err)
	}
}

func (c maincmd) client(j *journal.Journal) *transfer.Client {
	return &transfer.Client{
		Execer: c.ssh,
		Flags: remote.Flags{
			Command:   c.remoteCmd,
			Sudo:      c.sudoRemoteBtrbck,
			SudoBtrfs: c.sudoRemoteBtrfs,
			Verbose:   c.verbose,
			ID:        c.id,
		},
		Journal: j,
		Log:     c.log,
	}
}

func (c maincmd) printf(format string, args ...interface{}) {
	fmt.Fprintf(c.stdout, format+"\n", args...)
}

type usageError struct {
	msg string
}

func (e usageError) Error() string {
	return e.msg
}

func usageErrorf(format string, args ...interface{}) error {
	return usageError{msg: fmt.Sprintf(format, args...)}
}

func checkArgs(args []string, min, max int, usage string) error {
	if len(args) < min || len(args) > max {
		return usageErrorf("usage: btrbck [flags] %s", usage)
	}
	return nil
}

// operatorErrors are failures whose message says everything an operator needs.
var operatorErrors = []error{
	btrbck.ErrNotARepository,
	btrbck.ErrNoSuchStream,
	btrbck.ErrNoSuchSnapshot,
	btrbck.ErrAlreadyExists,
	btrbck.ErrNotEmpty,
	btrbck.ErrNoDataSource,
	btrbck.ErrInvalidName,
	context.Canceled,
	subcmd.ErrNoArgs,
	subcmd.ErrUnknown,
}

func report(w io.Writer, err error) {
	if isOperatorError(err) {
		fmt.Fprintf(w, "Error: %s\n", err)
		return
	}
	fmt.Fprintf(w, "Error: %+v\n", err)
}

func isOperatorError(err error) bool {
	for _, target := range operatorErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	var (
		uerr usageError
		perr *transfer.ProtocolError
		terr *transfer.TransportError
		peer *transfer.PeerError
	)
	return errors.As(err, &uerr) || errors.As(err, &perr) || errors.As(err, &terr) || errors.As(err, &peer)
}
