package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luma/conduit/client"
	"github.com/luma/conduit/fs"
	"github.com/luma/conduit/internal/env"
	"github.com/luma/conduit/remoteproc"
)

var (
	// Address of a peer serving over tcp
	remoteAddr string

	// Command that starts a peer serving over stdio
	remoteExec string

	// Write with windows line endings
	windows bool

	// Latency for watch batches
	watchLatency time.Duration

	// Working directory and extra environment of a remote process
	runDir string
	runEnv []string
)

func init() {
	flags := RemoteCmd.PersistentFlags()

	flags.StringVar(&remoteAddr, "addr", "127.0.0.1:7363", "The address of the peer")
	flags.StringVar(&remoteExec, "exec", "", "Spawn the peer with this command instead, e.g. \"ssh host conduit serve --stdio\"")

	RemoteWriteCmd.Flags().BoolVar(&windows, "windows", false, "Write with windows line endings")
	RemoteWatchCmd.Flags().DurationVar(&watchLatency, "latency", 0, "How long to gather changes before reporting them")

	RemoteRunCmd.Flags().StringVar(&runDir, "dir", "", "The working directory on the peer")
	RemoteRunCmd.Flags().StringArrayVar(&runEnv, "env", nil, "Add KEY=VALUE to the environment, may be repeated")
	// Everything after the command belongs to it
	RemoteRunCmd.Flags().SetInterspersed(false)

	RemoteCmd.AddCommand(
		RemotePingCmd,
		RemoteCatCmd,
		RemoteLsCmd,
		RemoteStatCmd,
		RemoteReadLinkCmd,
		RemoteRealPathCmd,
		RemoteWriteCmd,
		RemoteWatchCmd,
		RemoteRunCmd,
	)
}

var RemoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "Talk to a conduit peer",
	Long: `Talk to a conduit peer

Usage
	conduit remote ping --addr 10.0.0.4:7363
	conduit remote cat /etc/hosts --exec "ssh devbox conduit serve --stdio"
	echo hello | conduit remote write /tmp/hello.txt
	conduit remote run --dir /src -- make test

`,
}

// remoteCommand builds a subcommand that runs fn against a connected peer.
// Each call is bounded by the configured request timeout, watch runs until
// interrupted.
func remoteCommand(use, short string, args cobra.PositionalArgs, timed bool, fn func(ctx context.Context, cmd *cobra.Command, conn *client.Conn, args []string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, signalStop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer signalStop()

			conf, err := env.LoadConfig(ctx)
			if err != nil {
				return err
			}

			log, err := env.MakeLogger(conf.LogLevel)
			if err != nil {
				return err
			}
			defer log.Sync()

			conn, err := connect(ctx, log)
			if err != nil {
				return err
			}
			defer conn.Close()

			if timed {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, conf.RequestTimeout)
				defer cancel()
			}

			return fn(ctx, cmd, conn, args)
		},
	}
}

func connect(ctx context.Context, log *zap.Logger) (*client.Conn, error) {
	if remoteExec == "" {
		return client.Dial(ctx, remoteAddr, log.Named("client"))
	}

	argv := strings.Fields(remoteExec)
	if len(argv) == 0 {
		return nil, errors.New("--exec needs a command")
	}

	// The peer lives as long as the connection, not as long as one call
	return client.Spawn(context.Background(), log.Named("client"), argv[0], argv[1:]...)
}

var RemotePingCmd = remoteCommand("ping", "Check the peer is answering", cobra.NoArgs, true,
	func(ctx context.Context, cmd *cobra.Command, conn *client.Conn, args []string) error {
		start := time.Now()
		if err := conn.Ping(ctx); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "pong in %s\n", time.Since(start).Round(time.Microsecond))
		return nil
	})

var RemoteCatCmd = remoteCommand("cat <path>", "Print a file", cobra.ExactArgs(1), true,
	func(ctx context.Context, cmd *cobra.Command, conn *client.Conn, args []string) error {
		content, err := conn.FS().Load(ctx, args[0])
		if err != nil {
			return err
		}

		_, err = io.WriteString(cmd.OutOrStdout(), content)
		return err
	})

var RemoteLsCmd = remoteCommand("ls <path>", "List a directory", cobra.ExactArgs(1), true,
	func(ctx context.Context, cmd *cobra.Command, conn *client.Conn, args []string) error {
		stream, err := conn.FS().ReadDir(ctx, args[0])
		if err != nil {
			return err
		}
		defer stream.Close()

		for {
			path, err := stream.Next(ctx)
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), path)
		}
	})

var RemoteStatCmd = remoteCommand("stat <path>", "Describe a path", cobra.ExactArgs(1), true,
	func(ctx context.Context, cmd *cobra.Command, conn *client.Conn, args []string) error {
		meta, err := conn.FS().Metadata(ctx, args[0])
		if err != nil {
			return err
		}
		if meta == nil {
			return fmt.Errorf("stat %s: %w", args[0], fs.ErrNotFound)
		}

		kind := "file"
		switch {
		case meta.IsSymlink && meta.IsDir:
			kind = "symlink to directory"
		case meta.IsSymlink:
			kind = "symlink"
		case meta.IsDir:
			kind = "directory"
		}

		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tinode %d\tmodified %s\n",
			args[0], kind, meta.Inode, meta.Mtime.UTC().Format(time.RFC3339))
		return nil
	})

var RemoteReadLinkCmd = remoteCommand("readlink <path>", "Print the target of a symbolic link", cobra.ExactArgs(1), true,
	func(ctx context.Context, cmd *cobra.Command, conn *client.Conn, args []string) error {
		target, err := conn.FS().ReadLink(ctx, args[0])
		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), target)
		return nil
	})

var RemoteRealPathCmd = remoteCommand("realpath <path>", "Print the canonical form of a path", cobra.ExactArgs(1), true,
	func(ctx context.Context, cmd *cobra.Command, conn *client.Conn, args []string) error {
		resolved, err := conn.FS().Canonicalize(ctx, args[0])
		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), resolved)
		return nil
	})

var RemoteWriteCmd = remoteCommand("write <path>", "Write stdin to a file", cobra.ExactArgs(1), true,
	func(ctx context.Context, cmd *cobra.Command, conn *client.Conn, args []string) error {
		content, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return err
		}

		lineEnding := fs.Unix
		if windows {
			lineEnding = fs.Windows
		}

		return conn.FS().Save(ctx, args[0], string(content), lineEnding)
	})

var RemoteWatchCmd = remoteCommand("watch <path>", "Print batches of changes until interrupted", cobra.ExactArgs(1), false,
	func(ctx context.Context, cmd *cobra.Command, conn *client.Conn, args []string) error {
		changes, watcher, err := conn.FS().Watch(ctx, args[0], watchLatency)
		if err != nil {
			return err
		}
		defer watcher.Close()

		for paths := range changes {
			for _, path := range paths {
				fmt.Fprintln(cmd.OutOrStdout(), path)
			}
		}

		if ctx.Err() != nil {
			// Interrupted
			return nil
		}

		return errors.New("the peer ended the watch")
	})

var RemoteRunCmd = remoteCommand("run <command> [args...]", "Run a command on the peer, forwarding stdin and its output", cobra.MinimumNArgs(1), false,
	func(ctx context.Context, cmd *cobra.Command, conn *client.Conn, args []string) error {
		proc := conn.Start(&remoteproc.Cmd{
			Path:   args[0],
			Args:   args[1:],
			Dir:    runDir,
			Env:    runEnv,
			Stdout: cmd.OutOrStdout(),
			Stderr: cmd.ErrOrStderr(),
		})

		go forwardStdin(ctx, cmd.InOrStdin(), proc)

		select {
		case <-proc.Done():
		case <-ctx.Done():
			proc.Kill()
		}

		code, err := proc.Wait(context.Background())
		if err != nil {
			return err
		}
		if code != 0 {
			return fmt.Errorf("%s exited with status %d", args[0], code)
		}

		return nil
	})

// forwardStdin copies r to the process until r ends, then closes its stdin.
// It gives up quietly once the process is gone.
func forwardStdin(ctx context.Context, r io.Reader, proc *remoteproc.Process) {
	buf := make([]byte, 32*1024)

	for {
		n, err := r.Read(buf)
		if n > 0 {
			if werr := proc.Write(ctx, buf[:n]); werr != nil {
				return
			}
		}

		if err != nil {
			_ = proc.CloseStdin(ctx)
			return
		}
	}
}
