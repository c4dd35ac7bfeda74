// © 2025 Platform Engineering Labs Inc.
//
// SPDX-License-Identifier: FSL-1.1-ALv2

// Command xenon runs jobs and moves files through the xenon adaptors.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/platform-engineering-labs/xenon-go/internal/config"
	"github.com/platform-engineering-labs/xenon-go/internal/log"
	"github.com/platform-engineering-labs/xenon-go/pkg/adaptor"
	"github.com/platform-engineering-labs/xenon-go/pkg/adaptors/local"
	"github.com/platform-engineering-labs/xenon-go/pkg/adaptors/localfs"
	"github.com/platform-engineering-labs/xenon-go/pkg/adaptors/ssh"
	"github.com/platform-engineering-labs/xenon-go/pkg/credential"
	"github.com/platform-engineering-labs/xenon-go/pkg/errdefs"
	"github.com/platform-engineering-labs/xenon-go/pkg/filesystem"
	"github.com/platform-engineering-labs/xenon-go/pkg/history"
	"github.com/platform-engineering-labs/xenon-go/pkg/scheduler"
	"github.com/platform-engineering-labs/xenon-go/pkg/stream"
	"github.com/platform-engineering-labs/xenon-go/pkg/xenon"
)

var version = "0.1.0-dev"

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return newCLI(os.Stdin, os.Stdout, os.Stderr).run(ctx, args)
}

type cli struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func newCLI(stdin io.Reader, stdout, stderr io.Writer) *cli {
	return &cli{stdin: stdin, stdout: stdout, stderr: stderr}
}

func (c *cli) run(ctx context.Context, args []string) int {
	if len(args) < 1 {
		c.usage()
		return exitUsage
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "adaptors":
		return c.runAdaptors(ctx, rest)
	case "exec":
		return c.runExec(ctx, rest)
	case "copy":
		return c.runCopy(ctx, rest)
	case "ls":
		return c.runList(ctx, rest)
	case "cat":
		return c.runCat(ctx, rest)
	case "history":
		return c.runHistory(ctx, rest)
	case "version", "--version":
		fmt.Fprintf(c.stdout, "xenon %s\n", version)
		return exitOK
	case "help", "--help", "-h":
		c.usage()
		return exitOK
	default:
		fmt.Fprintf(c.stderr, "Unknown command: %s\n\n", cmd)
		c.usage()
		return exitUsage
	}
}

func (c *cli) usage() {
	fmt.Fprint(c.stderr, `Usage: xenon <command> [flags] [args]

Commands:
  adaptors [name]            list adaptors or describe one
  exec -- executable [args]  run a job and wait for it
  copy source destination    copy a file or directory tree
  ls path                    list a directory
  cat path                   print a file
  history                    show finished copies and jobs
  version                    print the version

Every command accepts -config and -log-level. Credentials for remote
locations come from XENON_USERNAME, XENON_PASSWORD, XENON_CERTIFICATE and
XENON_PASSPHRASE.
`)
}

// propertyFlags collects repeated -prop key=value flags.
type propertyFlags map[string]string

func (p propertyFlags) String() string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k+"="+p[k])
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

func (p propertyFlags) Set(value string) error {
	k, v, ok := strings.Cut(value, "=")
	if !ok || k == "" {
		return fmt.Errorf("property %q is not key=value", value)
	}
	p[k] = v
	return nil
}

// common holds the flags every command accepts.
type common struct {
	configPath string
	logLevel   string
}

func (c *cli) flagSet(name string) (*flag.FlagSet, *common) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	cm := &common{}
	fs.StringVar(&cm.configPath, "config", "", "Config file (default $XENON_CONFIG or ~/.config/xenon/config.yaml)")
	fs.StringVar(&cm.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides the config)")
	return fs, cm
}

func (c *cli) parse(fs *flag.FlagSet, args []string) int {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	return -1
}

// env is what a command runs against: configuration, logger and client.
type env struct {
	cfg     *config.Config
	logger  *slog.Logger
	client  *xenon.Client
	history *history.Store
	cleanup []func()
}

func (e *env) close() {
	if e.client != nil {
		_ = e.client.Close()
	}
	for i := len(e.cleanup) - 1; i >= 0; i-- {
		e.cleanup[i]()
	}
}

func (c *cli) setup(ctx context.Context, cm *common) (*env, error) {
	path := cm.configPath
	if path == "" {
		path = config.Discover()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	level := cfg.Log.Level
	if cm.logLevel != "" {
		level = cm.logLevel
	}
	log.SetupWriter(c.stderr, level)
	logger := log.WithComponent("cli")

	e := &env{cfg: cfg, logger: logger}
	opts := []xenon.Option{
		xenon.WithLogger(log.Get()),
		xenon.WithCopyWorkers(cfg.Copy.Workers),
		xenon.WithAdaptorProperties(cfg.Adaptors),
	}

	if cfg.History.Path != "" {
		store, err := history.Open(ctx, cfg.History.Path)
		if err != nil {
			logger.Warn("history disabled", slog.String("path", cfg.History.Path), slog.String("error", err.Error()))
		} else {
			e.history = store
			e.cleanup = append(e.cleanup, func() { _ = store.Close() })
			opts = append(opts, xenon.WithHistory(store))
		}
	}

	if cfg.Metrics.Address != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		shutdown, err := serveMetrics(cfg.Metrics.Address, reg, logger)
		if err != nil {
			e.close()
			return nil, err
		}
		e.cleanup = append(e.cleanup, shutdown)
		opts = append(opts, xenon.WithRegisterer(reg))
	}

	client, err := xenon.New(opts...)
	if err != nil {
		e.close()
		return nil, err
	}
	e.client = client
	return e, nil
}

// serveMetrics serves /metrics on addr until the returned func is called.
func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen for metrics on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()
	logger.Info("serving metrics", slog.String("address", ln.Addr().String()))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

// credentialFor returns nil for local locations and the environment
// credential otherwise.
func credentialFor(location string) credential.Credential {
	if adaptor.IsLocalLocation(location, localfs.Name, local.Name) {
		return nil
	}
	return credential.FromEnv()
}

func (c *cli) fail(err error) int {
	fmt.Fprintf(c.stderr, "Error: %v\n", err)
	return exitError
}

func (c *cli) writeJSON(v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return c.fail(err)
	}
	fmt.Fprintln(c.stdout, string(data))
	return exitOK
}

// =============================================================================
// adaptors
// =============================================================================

func (c *cli) runAdaptors(ctx context.Context, args []string) int {
	fs, cm := c.flagSet("adaptors")
	jsonOut := fs.Bool("json", false, "Print descriptions as JSON")
	if code := c.parse(fs, args); code >= 0 {
		return code
	}
	if fs.NArg() > 1 {
		fmt.Fprintln(c.stderr, "Usage: xenon adaptors [-json] [name]")
		return exitUsage
	}
	e, err := c.setup(ctx, cm)
	if err != nil {
		return c.fail(err)
	}
	defer e.close()

	if fs.NArg() == 1 {
		desc, err := e.client.DescribeAdaptor(fs.Arg(0))
		if err != nil {
			return c.fail(err)
		}
		if *jsonOut {
			return c.writeJSON(desc)
		}
		c.printDescription(desc)
		return exitOK
	}

	descs := e.client.Adaptors()
	if *jsonOut {
		return c.writeJSON(descs)
	}
	w := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tKIND\tLOCATIONS\tDESCRIPTION")
	for _, d := range descs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.Name, d.Kind, strings.Join(d.SupportedLocations, " "), d.Description)
	}
	_ = w.Flush()
	return exitOK
}

func (c *cli) printDescription(d adaptor.Description) {
	fmt.Fprintf(c.stdout, "%s (%s)\n%s\n\nLocations: %s\n", d.Name, d.Kind, d.Description, strings.Join(d.SupportedLocations, ", "))
	if len(d.SupportedProperties) == 0 {
		return
	}
	fmt.Fprintln(c.stdout, "\nProperties:")
	w := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
	for _, p := range d.SupportedProperties {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", p.Name, p.Type, p.Default, p.Description)
	}
	_ = w.Flush()
}

// =============================================================================
// exec
// =============================================================================

func (c *cli) runExec(ctx context.Context, args []string) int {
	fs, cm := c.flagSet("exec")
	adaptorName := fs.String("scheduler", local.Name, "Scheduler adaptor")
	location := fs.String("location", "", "Scheduler location")
	queue := fs.String("queue", "", "Queue (default: the scheduler's default queue)")
	name := fs.String("name", "", "Job name")
	workdir := fs.String("workdir", "", "Working directory of the job")
	stdinPath := fs.String("stdin", "", "Batch job standard input file")
	stdoutPath := fs.String("stdout", "", "Batch job standard output file")
	stderrPath := fs.String("stderr", "", "Batch job standard error file")
	maxRuntime := fs.Int("max-runtime", 0, "Maximum runtime in minutes (0: adaptor default)")
	interactive := fs.Bool("interactive", false, "Stream this process's stdin, stdout and stderr to the job")
	detach := fs.Bool("detach", false, "Print the job id and return without waiting (slurm only; local and ssh jobs end with the command)")
	timeout := fs.Duration("timeout", 0, "Give up waiting after this long (0: no limit)")
	jsonOut := fs.Bool("json", false, "Print the final status as JSON")
	props := propertyFlags{}
	fs.Var(props, "prop", "Adaptor property key=value (repeatable)")
	if code := c.parse(fs, args); code >= 0 {
		return code
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(c.stderr, "Usage: xenon exec [flags] -- executable [args...]")
		return exitUsage
	}
	if *interactive && *detach {
		fmt.Fprintln(c.stderr, "-interactive and -detach are mutually exclusive")
		return exitUsage
	}

	e, err := c.setup(ctx, cm)
	if err != nil {
		return c.fail(err)
	}
	defer e.close()

	sched, err := e.client.CreateScheduler(ctx, *adaptorName, *location, credentialFor(*location), props)
	if err != nil {
		return c.fail(err)
	}
	if *detach && sessionBound(sched.Description()) {
		fmt.Fprintf(c.stderr, "-detach is not supported by the %s scheduler: its jobs stop when xenon exits\n", sched.AdaptorName())
		return exitUsage
	}

	desc := adaptor.JobDescription{
		Name:             *name,
		Executable:       fs.Arg(0),
		Arguments:        fs.Args()[1:],
		WorkingDirectory: *workdir,
		QueueName:        *queue,
		MaxRuntime:       *maxRuntime,
	}

	var jobID string
	if *interactive {
		jobID, err = c.streamInteractive(ctx, sched, desc)
		if err != nil {
			return c.fail(err)
		}
	} else {
		desc.Stdin, desc.Stdout, desc.Stderr = *stdinPath, *stdoutPath, *stderrPath
		job, err := sched.SubmitBatchJob(ctx, desc)
		if err != nil {
			return c.fail(err)
		}
		jobID = job.ID
		if *detach {
			fmt.Fprintln(c.stdout, job.ID)
			return exitOK
		}
		e.logger.Debug("waiting for job", slog.String("job_id", job.ID))
	}

	status, err := sched.WaitUntilDone(ctx, jobID, *timeout)
	if err != nil {
		return c.fail(err)
	}
	if *jsonOut {
		c.writeJSON(status)
	}
	return c.jobExitCode(status)
}

// sessionBound reports whether jobs of the described scheduler run inside
// the session and so are cancelled when it closes.
func sessionBound(desc adaptor.Description) bool {
	return desc.IsEmbedded || desc.Name == ssh.Name
}

// streamInteractive submits desc interactively and copies its output to
// stdout and stderr until both streams end.
func (c *cli) streamInteractive(ctx context.Context, sched *scheduler.Scheduler, desc adaptor.JobDescription) (string, error) {
	stdin := stream.NewProducer(0)
	go func() { _ = stdin.SendFrom(ctx, c.stdin) }()

	job, err := sched.SubmitInteractiveJob(ctx, desc, stdin)
	if err != nil {
		stdin.Close()
		return "", err
	}
	for rec, err := range job.Records() {
		if err != nil {
			return job.Job.ID, err
		}
		if len(rec.Stdout) > 0 {
			_, _ = c.stdout.Write(rec.Stdout)
		}
		if len(rec.Stderr) > 0 {
			_, _ = c.stderr.Write(rec.Stderr)
		}
	}
	return job.Job.ID, nil
}

func (c *cli) jobExitCode(status scheduler.JobStatus) int {
	if !status.Done {
		fmt.Fprintf(c.stderr, "job %s still %s\n", status.JobID, status.State)
		return exitError
	}
	if err := status.Err(); err != nil {
		fmt.Fprintf(c.stderr, "job %s: %v\n", status.JobID, err)
		if status.ExitCode != nil && *status.ExitCode != 0 {
			return *status.ExitCode
		}
		return exitError
	}
	if status.ExitCode != nil {
		return *status.ExitCode
	}
	return exitOK
}

// =============================================================================
// files
// =============================================================================

type fileFlags struct {
	adaptor  *string
	location *string
	props    propertyFlags
}

func addFileFlags(fs *flag.FlagSet, prefix string) fileFlags {
	ff := fileFlags{props: propertyFlags{}}
	ff.adaptor = fs.String(prefix+"adaptor", localfs.Name, "File system adaptor")
	ff.location = fs.String(prefix+"location", "", "File system location")
	fs.Var(ff.props, prefix+"prop", "Adaptor property key=value (repeatable)")
	return ff
}

func (e *env) openFileSystem(ctx context.Context, ff fileFlags) (*filesystem.FileSystem, error) {
	return e.client.CreateFileSystem(ctx, *ff.adaptor, *ff.location, credentialFor(*ff.location), ff.props)
}

func (c *cli) runCopy(ctx context.Context, args []string) int {
	fs, cm := c.flagSet("copy")
	from := addFileFlags(fs, "from-")
	to := addFileFlags(fs, "to-")
	mode := fs.String("mode", "create", "What to do when the destination exists: create, replace, ignore")
	recursive := fs.Bool("recursive", false, "Copy directory trees")
	timeout := fs.Duration("timeout", 0, "Give up waiting after this long (0: no limit)")
	if code := c.parse(fs, args); code >= 0 {
		return code
	}
	if fs.NArg() != 2 {
		fmt.Fprintln(c.stderr, "Usage: xenon copy [flags] source destination")
		return exitUsage
	}
	copyMode, err := adaptor.ParseCopyMode(*mode)
	if err != nil {
		fmt.Fprintln(c.stderr, err)
		return exitUsage
	}

	e, err := c.setup(ctx, cm)
	if err != nil {
		return c.fail(err)
	}
	defer e.close()

	src, err := e.openFileSystem(ctx, from)
	if err != nil {
		return c.fail(err)
	}
	dst, err := e.openFileSystem(ctx, to)
	if err != nil {
		return c.fail(err)
	}

	id, err := src.Copy(ctx, src.Path(fs.Arg(0)), dst, dst.Path(fs.Arg(1)), copyMode, *recursive)
	if err != nil {
		return c.fail(err)
	}
	status, err := src.WaitUntilDone(ctx, id, *timeout)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			_, _ = src.Cancel(id)
		}
		return c.fail(err)
	}
	if !status.Done {
		fmt.Fprintf(c.stderr, "copy %s still running: %d of %d bytes\n", id, status.BytesCopied, status.BytesToCopy)
		return exitError
	}
	if status.ErrorType != errdefs.None {
		fmt.Fprintf(c.stderr, "Error (%s): %s\n", status.ErrorType, status.ErrorMessage)
		return exitError
	}
	e.logger.Info("copy finished", slog.String("copy_id", id), slog.Int64("bytes", status.BytesCopied))
	return exitOK
}

func (c *cli) runList(ctx context.Context, args []string) int {
	fs, cm := c.flagSet("ls")
	ff := addFileFlags(fs, "")
	recursive := fs.Bool("recursive", false, "List subdirectories too")
	jsonOut := fs.Bool("json", false, "Print attributes as JSON lines")
	if code := c.parse(fs, args); code >= 0 {
		return code
	}
	if fs.NArg() > 1 {
		fmt.Fprintln(c.stderr, "Usage: xenon ls [flags] [path]")
		return exitUsage
	}

	e, err := c.setup(ctx, cm)
	if err != nil {
		return c.fail(err)
	}
	defer e.close()

	fsys, err := e.openFileSystem(ctx, ff)
	if err != nil {
		return c.fail(err)
	}
	dir := fsys.Path(fs.Arg(0))
	if fs.NArg() == 0 {
		if dir, err = fsys.WorkingDirectory(); err != nil {
			return c.fail(err)
		}
	}

	enc := json.NewEncoder(c.stdout)
	for attrs, err := range fsys.List(dir, *recursive) {
		if err != nil {
			return c.fail(err)
		}
		if *jsonOut {
			if err := enc.Encode(attrs); err != nil {
				return c.fail(err)
			}
			continue
		}
		suffix := ""
		if attrs.IsDirectory {
			suffix = "/"
		}
		fmt.Fprintf(c.stdout, "%s%s\n", attrs.Path, suffix)
	}
	return exitOK
}

func (c *cli) runCat(ctx context.Context, args []string) int {
	fs, cm := c.flagSet("cat")
	ff := addFileFlags(fs, "")
	if code := c.parse(fs, args); code >= 0 {
		return code
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(c.stderr, "Usage: xenon cat [flags] path")
		return exitUsage
	}

	e, err := c.setup(ctx, cm)
	if err != nil {
		return c.fail(err)
	}
	defer e.close()

	fsys, err := e.openFileSystem(ctx, ff)
	if err != nil {
		return c.fail(err)
	}
	for chunk, err := range fsys.ReadFromFile(fsys.Path(fs.Arg(0))) {
		if err != nil {
			return c.fail(err)
		}
		if _, err := c.stdout.Write(chunk); err != nil {
			return c.fail(err)
		}
	}
	return exitOK
}

// =============================================================================
// history
// =============================================================================

func (c *cli) runHistory(ctx context.Context, args []string) int {
	fs, cm := c.flagSet("history")
	limit := fs.Int("limit", history.DefaultLimit, "Number of entries")
	jsonOut := fs.Bool("json", false, "Print entries as JSON")
	if code := c.parse(fs, args); code >= 0 {
		return code
	}

	e, err := c.setup(ctx, cm)
	if err != nil {
		return c.fail(err)
	}
	defer e.close()
	if e.history == nil {
		fmt.Fprintln(c.stderr, "history is disabled (history.path is empty)")
		return exitError
	}

	entries, err := e.history.Recent(ctx, *limit)
	if err != nil {
		return c.fail(err)
	}
	if *jsonOut {
		return c.writeJSON(entries)
	}
	w := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "COMPLETED\tKIND\tID\tSTATE\tEXIT\tERROR")
	for _, en := range entries {
		exit := "-"
		if en.ExitCode != nil {
			exit = fmt.Sprint(*en.ExitCode)
		}
		errText := ""
		if en.ErrorType != errdefs.None {
			errText = en.ErrorType.String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			en.CompletedAt.Local().Format(time.DateTime), en.Kind, en.ID, en.State, exit, errText)
	}
	_ = w.Flush()
	return exitOK
}
