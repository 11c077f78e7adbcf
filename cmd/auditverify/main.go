// Command auditverify recomputes the hash chain stored in PostgreSQL and
// reports the first entry that does not verify.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"tenderguard/audit"
	"tenderguard/config"
	"tenderguard/db"
	"tenderguard/failure"
)

const (
	exitOK = iota
	exitError
	exitBroken
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("auditverify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "tenderguard.yaml", "path to the YAML configuration file")
	dsn := fs.String("dsn", "", "PostgreSQL connection string, overrides the configuration")
	from := fs.Uint64("from", 0, "first sequence to verify (0 = first entry)")
	to := fs.Uint64("to", 0, "last sequence to verify (0 = head)")
	if err := fs.Parse(args); err != nil {
		return exitError
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "auditverify: %v\n", err)
		return exitError
	}
	if *dsn != "" {
		cfg.Database.URL = *dsn
	}
	if cfg.Database.URL == "" {
		fmt.Fprintln(stderr, "auditverify: no database configured, set DATABASE_URL or -dsn")
		return exitError
	}
	logger, err := cfg.Log.Logger(stderr)
	if err != nil {
		fmt.Fprintf(stderr, "auditverify: %v\n", err)
		return exitError
	}
	log := logrus.NewEntry(logger)

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		log.WithError(err).Error("connect")
		return exitError
	}
	defer pool.Close()

	return verify(ctx, audit.NewPostgresStore(pool), *from, *to, log, stdout)
}

func verify(ctx context.Context, store audit.Store, from, to uint64, log *logrus.Entry, stdout io.Writer) int {
	chain, err := audit.NewChain(ctx, store, audit.Options{Logger: log})
	if err != nil {
		log.WithError(err).Error("load chain head")
		return exitError
	}
	defer chain.Close()

	head, hash := chain.Head()
	bad, err := chain.Verify(ctx, from, to)
	switch {
	case err == nil:
		fmt.Fprintf(stdout, "ok: entries %d..%d verified, head %d %s\n", max(from, 1), effectiveTo(to, head), head, hash)
		return exitOK
	case errors.Is(err, failure.ErrChainIntegrity):
		fmt.Fprintf(stdout, "BROKEN at entry %d: %v\n", bad, err)
		return exitBroken
	default:
		log.WithError(err).Error("verify")
		return exitError
	}
}

func effectiveTo(to, head uint64) uint64 {
	if to == 0 || to > head {
		return head
	}
	return to
}
