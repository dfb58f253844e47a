// Command lunadbg runs a Lua program under the in-process debugger
// overlay, speaking the line-delimited debug protocol over stdio or a
// single accepted TCP connection.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"zombiezen.com/go/log"

	"lunadbg/pkg/controller"
	"lunadbg/pkg/debugger"
	"lunadbg/pkg/vm"
)

func main() {
	rootCommand := &cobra.Command{
		Use:           "lunadbg",
		Short:         "Lua 5.2 runtime debugger",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	showDebug := rootCommand.PersistentFlags().Bool("debug", false, "show debugging output")
	rootCommand.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		initLogging(*showDebug)
		return nil
	}

	rootCommand.AddCommand(newRunCommand())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCommand.ExecuteContext(ctx)
	cancel()
	if err != nil {
		initLogging(*showDebug)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}
}

// runOptions is runCommand's configuration surface, following the
// teacher's per-command *Options struct convention.
type runOptions struct {
	cwd    string
	breaks []string
	stdio  bool
	listen string
}

func newRunCommand() *cobra.Command {
	c := &cobra.Command{
		Use:                   "run <program> [options]",
		Short:                 "launch a program under the debugger",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ExactArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(runOptions)
	c.Flags().StringVar(&opts.cwd, "cwd", "", "run the program as if launched from `dir`")
	c.Flags().StringArrayVar(&opts.breaks, "break", nil, "set an initial breakpoint at `FILE:LINE` (repeatable)")
	c.Flags().BoolVar(&opts.stdio, "stdio", false, "speak the debugger protocol over stdin/stdout")
	c.Flags().StringVar(&opts.listen, "listen", "", "speak the debugger protocol over a TCP connection accepted on `host:port`")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runRun(cmd.Context(), args[0], opts)
	}
	return c
}

// runRun sets up the VM, overlay and controller and serves one debug
// session. program only labels the session's log lines; nothing runs
// until the client sends a launch request, whose program argument is
// resolved through exampleLoader.
func runRun(ctx context.Context, program string, opts *runOptions) error {
	if opts.stdio == (opts.listen != "") {
		return fmt.Errorf("specify exactly one of --stdio or --listen")
	}
	if opts.cwd != "" {
		if err := os.Chdir(opts.cwd); err != nil {
			return fmt.Errorf("--cwd: %w", err)
		}
	}

	breakReqs, err := parseBreakFlags(opts.breaks)
	if err != nil {
		return err
	}

	m := vm.New()
	overlay := debugger.NewOverlay(m)
	overlay.Attach()

	srv := controller.NewServer(m, overlay, exampleLoader)

	for chunk, reqs := range breakReqs {
		overlay.SetBreakpoints(chunk, reqs)
	}

	log.Infof(ctx, "starting debug session for %s", program)
	defer log.Infof(ctx, "debug session for %s ended", program)

	if opts.stdio {
		return srv.Serve(ctx, os.Stdin, os.Stdout)
	}
	return serveListener(ctx, srv, opts.listen)
}

// serveListener accepts a single connection on addr and runs the
// controller over it, following the accept-loop shape of the teacher's
// cmd/zb/serve.go — simplified to one connection, since a debug session
// has exactly one client.
func serveListener(ctx context.Context, srv *controller.Server, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer l.Close()
	log.Infof(ctx, "listening on %s", l.Addr())

	var wg sync.WaitGroup
	defer wg.Wait()

	conn, err := l.Accept()
	if err != nil {
		return err
	}
	log.Infof(ctx, "accepted connection from %s", conn.RemoteAddr())
	wg.Add(1)
	defer wg.Done()
	defer conn.Close()
	return srv.Serve(ctx, conn, conn)
}

// parseBreakFlags groups --break FILE:LINE flags by the chunk name
// setBreakpoints expects (the file-backed "@path" convention pkg/code
// uses for Source).
func parseBreakFlags(breaks []string) (map[string][]debugger.LineBreakpointRequest, error) {
	out := make(map[string][]debugger.LineBreakpointRequest)
	for _, b := range breaks {
		idx := strings.LastIndex(b, ":")
		if idx < 0 {
			return nil, fmt.Errorf("--break %q: expected FILE:LINE", b)
		}
		file, lineStr := b[:idx], b[idx+1:]
		line, err := strconv.Atoi(lineStr)
		if err != nil {
			return nil, fmt.Errorf("--break %q: %w", b, err)
		}
		chunk := "@" + file
		out[chunk] = append(out[chunk], debugger.LineBreakpointRequest{Line: line})
	}
	return out, nil
}

var initLogOnce sync.Once

func initLogging(showDebug bool) {
	initLogOnce.Do(func() {
		minLogLevel := log.Info
		if showDebug {
			minLogLevel = log.Debug
		}
		log.SetDefault(&log.LevelFilter{
			Min:    minLogLevel,
			Output: log.New(os.Stderr, "lunadbg: ", log.StdFlags, nil),
		})
	})
}
