// Command durablite serves the HelloSequence orchestrations over HTTP, or
// inspects the instances recorded in a database.
//
//	durablite                 serve on DURABLITE_HTTP_ADDR
//	durablite inspect         list the recorded instances
//	durablite inspect <id>    print the history of one instance
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/k0kubun/pp/v3"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/davidroman0O/durablite"
	"github.com/davidroman0O/durablite/internal/demo"
	"github.com/davidroman0O/durablite/internal/store/sqlite"
	"github.com/davidroman0O/durablite/internal/trigger"
	"github.com/davidroman0O/durablite/internal/types"
	"github.com/davidroman0O/durablite/pkg/logs"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "durablite:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := durablite.ParseEnv()
	if err != nil {
		return err
	}

	fs := flag.NewFlagSet("durablite", flag.ContinueOnError)
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "path to the sqlite database (empty keeps instances in memory)")
	fs.StringVar(&cfg.HTTPAddr, "addr", cfg.HTTPAddr, "address the HTTP trigger listens on")
	if err := fs.Parse(args); err != nil {
		return err
	}

	switch fs.Arg(0) {
	case "":
		return serve(ctx, cfg)
	case "inspect":
		return inspect(ctx, cfg, fs.Arg(1))
	default:
		return fmt.Errorf("unknown command %q", fs.Arg(0))
	}
}

func serve(ctx context.Context, cfg durablite.Config) error {
	logger, err := cfg.Logger()
	if err != nil {
		return err
	}
	logs.SetDefault(logger)

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...interface{}) {
		logger.Debug(ctx, fmt.Sprintf(format, args...))
	})); err != nil {
		logger.Warn(ctx, "Failed to set GOMAXPROCS", "error", err)
	}

	opts, err := cfg.Options()
	if err != nil {
		return err
	}
	engine, err := durablite.New(ctx, demo.Register(durablite.NewRegistry()).Build(), opts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := engine.Close(); err != nil {
			logger.Error(context.Background(), "Error closing engine", "error", err)
		}
	}()

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           engine.Handler(trigger.WithWaitTimeout(cfg.WaitTimeout)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "Listening", "addr", cfg.HTTPAddr, "workflows", engine.Workflows(), "db", cfg.DBPath)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info(context.Background(), "Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func inspect(ctx context.Context, cfg durablite.Config, id string) error {
	if cfg.DBPath == "" {
		return errors.New("inspect needs a database: set DURABLITE_DB_PATH or -db-path")
	}
	if _, err := os.Stat(cfg.DBPath); err != nil {
		return err
	}

	st, err := sqlite.New(ctx, sqlite.WithPath(cfg.DBPath))
	if err != nil {
		return err
	}
	defer st.Close()

	if id == "" {
		instances, err := st.ListInstances(ctx)
		if err != nil {
			return err
		}
		for _, inst := range instances {
			fmt.Printf("%s\t%s\t%s\t%s\n", inst.ID, inst.Name, inst.Status, inst.UpdatedAt.Format(time.RFC3339))
		}
		return nil
	}

	inst, err := st.GetInstance(ctx, types.InstanceID(id))
	if err != nil {
		return err
	}
	events, _, err := st.ReadHistory(ctx, inst.ID)
	if err != nil {
		return err
	}
	pp.Println(inst)
	pp.Println(events)
	return nil
}
