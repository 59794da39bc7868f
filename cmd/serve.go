package cmd

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luma/conduit/fs"
	"github.com/luma/conduit/internal/env"
	"github.com/luma/conduit/internal/meta"
	"github.com/luma/conduit/protocol"
	"github.com/luma/conduit/server"
	"github.com/luma/conduit/session"
	"github.com/luma/conduit/storage"
	"github.com/luma/conduit/transport"
)

var (
	// The host to listen on
	host string

	// The port to listen for http requests on, empty disables http
	httpPort string

	// The port to listen for tcp clients on
	port int

	// Serve a single session over stdin/stdout
	stdio bool

	// Directory relative request paths are resolved against
	root string

	// Serve an in-memory filesystem instead of the disk
	memfs bool

	// Storage backup to seed the in-memory filesystem with
	restore string
)

func init() {
	flags := ServeCmd.PersistentFlags()

	flags.IntVarP(&port, "port", "p", 7363, "The port to listen client connections on")
	flags.StringVar(&httpPort, "http-port", "7362", "The port to listen to HTTP requests on, empty to disable")
	flags.StringVarP(&host, "host", "a", "0.0.0.0", "The host to listen on")
	flags.BoolVar(&stdio, "stdio", false, "Serve one session over stdin and stdout")
	flags.StringVar(&root, "root", "", "The directory relative paths are resolved against")
	flags.BoolVar(&memfs, "memfs", false, "Serve an in-memory filesystem")
	flags.StringVar(&restore, "restore", "", "A storage backup to load into the in-memory filesystem")
}

var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a filesystem to remote peers",
	Long: `Serve a filesystem to remote peers

Usage
	conduit serve
	conduit serve --stdio
	conduit serve --memfs --restore backup.json

`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
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

		if root != "" {
			if err := os.Chdir(root); err != nil {
				return err
			}
		}

		fsys, err := makeFs(log)
		if err != nil {
			return err
		}

		project := server.NewProject(fsys, log.Named("project"))
		project.WatchLatency = conf.WatchLatency

		registry := protocol.DefaultRegistry()
		srv := server.New(
			server.ProjectHandlers(registry, log.Named("handlers")),
			project,
			server.Options{MaxBackground: conf.MaxBackground, Log: log.Named("server")},
		)

		if stdio {
			return serveStdio(ctx, srv, registry, log)
		}

		fileLimit, err := setFileLimit()
		if err != nil {
			return err
		}

		log.Info("Set file limit", zap.Uint64("fileLimit", fileLimit))

		tcp := transport.NewTCP(transport.Options{
			Host:      host,
			Port:      port,
			Reuseport: true,
			Serve:     srv.Serve,
			Registry:  registry,
			Log:       log.Named("transport"),
		})

		if err := tcp.Start(ctx); err != nil {
			return err
		}

		var s *http.Server
		if httpPort != "" {
			router := setupRouter(conf.DebugHTTP, log)

			// Ping test
			router.GET("/ping", func(c *gin.Context) {
				c.String(http.StatusOK, "pong")
			})

			router.GET("/sessions", func(c *gin.Context) {
				c.JSON(http.StatusOK, gin.H{"sessions": tcp.Sessions()})
			})

			router.GET("/version", func(c *gin.Context) {
				c.JSON(http.StatusOK, meta.GetInfo())
			})

			s = &http.Server{
				Addr:    net.JoinHostPort(host, httpPort),
				Handler: router,
			}

			// Initializing the server in a goroutine so that
			// it won't block the graceful shutdown handling below
			go func() {
				if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("Http server errored", zap.Error(err))
				}
			}()
		}

		log.Info("Listening",
			zap.Any("config", conf),
			zap.Stringer("addr", tcp.Addr()),
			zap.String("httpPort", httpPort))

		// Listen for the interrupt signal.
		<-ctx.Done()

		// Restore default behavior on the interrupt signal and notify user of shutdown.
		signalStop()
		log.Info("Shutting down gracefully, press Ctrl+C again to force")

		// The context is used to inform the server it has 5 seconds to finish
		// the request it is currently handling
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if s != nil {
			s.SetKeepAlivesEnabled(false)

			if err := s.Shutdown(ctx); err != nil {
				log.Error("Http server forced to shutdown", zap.Error(err))
			}
		}

		if err := tcp.Close(); err != nil {
			log.Error("TCP server forced to shutdown", zap.Error(err))
		}

		log.Info("Exiting")
		return nil
	},
}

func makeFs(log *zap.Logger) (fs.Fs, error) {
	if !memfs {
		return fs.NewOS(log.Named("fs")), nil
	}

	store := storage.NewInmemoryStore()

	if restore != "" {
		backup, err := os.ReadFile(restore)
		if err != nil {
			return nil, err
		}

		if err := store.Restore(backup); err != nil {
			return nil, err
		}
	}

	return fs.NewMem(store, log.Named("fs")), nil
}

// serveStdio serves the peer that spawned this process until it closes
// stdin.
func serveStdio(ctx context.Context, srv *server.Server[*server.Project], registry *protocol.Registry, log *zap.Logger) error {
	s := session.New(transport.Stdio(), session.Options{
		Registry: registry,
		Log:      log.Named("session"),
	})
	defer s.Close()

	log.Info("Serving over stdio")

	if err := srv.Serve(ctx, s); err != nil {
		return err
	}

	if err := s.Err(); err != nil && !errors.Is(err, protocol.ErrTransport) {
		return err
	}

	return nil
}

func setupRouter(debugHTTP bool, log *zap.Logger) *gin.Engine {
	gin.DisableConsoleColor()
	if !debugHTTP {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// Logs all requests, like a combined access and error log, with RFC3339
	// UTC times. Health checks are too noisy to keep.
	r.Use(ginzap.GinzapWithConfig(log.Named("http"), &ginzap.Config{
		TimeFormat: time.RFC3339,
		UTC:        true,
		SkipPaths:  []string{"/ping"},
	}))

	// Logs all panic to error log
	//   - stack means whether output the stack info.
	r.Use(ginzap.RecoveryWithZap(log, true))

	return r
}

func setFileLimit() (uint64, error) {
	var rLimit syscall.Rlimit

	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	rLimit.Cur = rLimit.Max
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	return rLimit.Cur, nil
}
