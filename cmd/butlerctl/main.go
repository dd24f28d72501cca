// Command butlerctl is the operator workflow for resetting, migrating,
// and validating the one shared butler database: reset drops and
// recreates managed schemas (or the whole database), migrate replays
// each schema's migration chain, validate checks the resulting schema
// matrix, and run does all three in sequence. Grounded on the original
// Python reset workflow's safety guards and exit codes.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	exitOK          = 0
	exitConfigError = 2
	exitUnexpected  = 3
	exitInterrupted = 130
)

var blockedDBNames = map[string]bool{"postgres": true, "template0": true, "template1": true}

var defaultManagedSchemas = []string{"shared", "general", "health", "messenger", "relationship", "switchboard"}

var identifierRE = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Migrator replays one schema's migration chain. The concrete migration
// runner is out of scope here; a real deployment injects one.
type Migrator interface {
	Migrate(ctx context.Context, dsn, schema string) error
}

type stubMigrator struct{}

func (stubMigrator) Migrate(ctx context.Context, dsn, schema string) error {
	return fmt.Errorf("butlerctl: no migration runner configured for schema %s", schema)
}

type configError struct{ msg string }

func (e *configError) Error() string { return e.msg }

func newConfigError(format string, args ...any) error {
	return &configError{msg: fmt.Sprintf(format, args...)}
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: butlerctl <reset|migrate|validate|run> [flags]")
		return exitConfigError
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	command := args[0]
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	targetEnv := fs.String("target-env", "BUTLERS_DATABASE_URL", "env var holding the target DB URL")
	scope := fs.String("scope", "managed-schemas", "reset scope: database or managed-schemas")
	confirm := fs.String("confirm-destructive-reset", "", "must equal RESET for a non-dry-run reset")
	allowProdName := fs.Bool("allow-production-db-name", false, "allow target DB names that look production-like")
	dryRun := fs.Bool("dry-run", false, "preview actions without executing destructive statements")

	if err := fs.Parse(args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfigError
	}

	opts := runOptions{
		targetEnv:     *targetEnv,
		scope:         *scope,
		confirm:       *confirm,
		allowProdName: *allowProdName,
		dryRun:        *dryRun,
		migrator:      stubMigrator{},
	}

	var err error
	switch command {
	case "reset":
		err = doReset(ctx, opts)
	case "migrate":
		err = doMigrate(ctx, opts)
	case "validate":
		err = doValidate(ctx, opts)
	case "run":
		err = doRun(ctx, opts)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", command)
		return exitConfigError
	}

	switch {
	case err == nil:
		return exitOK
	case ctx.Err() == context.Canceled:
		fmt.Fprintln(os.Stderr, "interrupted")
		return exitInterrupted
	case isConfigError(err):
		fmt.Fprintln(os.Stderr, "CONFIG ERROR:", err)
		return exitConfigError
	case isValidationFailure(err):
		fmt.Fprintln(os.Stderr, "VALIDATION FAILED:", err)
		return exitConfigError
	default:
		fmt.Fprintln(os.Stderr, "UNEXPECTED ERROR:", err)
		return exitUnexpected
	}
}

type runOptions struct {
	targetEnv     string
	scope         string
	confirm       string
	allowProdName bool
	dryRun        bool
	migrator      Migrator
}

type target struct {
	dsn      string
	dbName   string
	adminDSN string
}

func resolveTarget(envVar string) (target, error) {
	dsn := os.Getenv(envVar)
	if dsn == "" {
		return target{}, newConfigError("environment variable %q is not set; cannot resolve target DB", envVar)
	}
	dbName, adminDSN, err := splitDatabaseName(dsn)
	if err != nil {
		return target{}, err
	}
	return target{dsn: dsn, dbName: dbName, adminDSN: adminDSN}, nil
}

func checkResetSafety(dbName string, allowProdName bool) error {
	lowered := strings.ToLower(dbName)
	if blockedDBNames[lowered] {
		return newConfigError("refusing destructive reset for protected DB name %q", dbName)
	}
	if !allowProdName && (strings.Contains(lowered, "prod") || strings.Contains(lowered, "production")) {
		return newConfigError("target DB name looks production-like; rerun with --allow-production-db-name after manual verification")
	}
	return nil
}

func requireConfirmReset(opts runOptions) error {
	if opts.dryRun {
		return nil
	}
	if opts.confirm != "RESET" {
		return newConfigError("--confirm-destructive-reset must be exactly RESET for a non-dry-run reset")
	}
	return nil
}

func validateIdentifier(id, label string) error {
	if !identifierRE.MatchString(id) {
		return newConfigError("invalid %s %q: use lowercase letters, digits, and underscores", label, id)
	}
	return nil
}

func doReset(ctx context.Context, opts runOptions) error {
	t, err := resolveTarget(opts.targetEnv)
	if err != nil {
		return err
	}
	if err := checkResetSafety(t.dbName, opts.allowProdName); err != nil {
		return err
	}
	if err := requireConfirmReset(opts); err != nil {
		return err
	}
	return resetTarget(ctx, t, opts)
}

func resetTarget(ctx context.Context, t target, opts runOptions) error {
	if opts.scope == "database" {
		return resetDatabase(ctx, t, opts.dryRun)
	}
	return resetManagedSchemas(ctx, t, defaultManagedSchemas, opts.dryRun)
}

func resetDatabase(ctx context.Context, t target, dryRun bool) error {
	if dryRun {
		return nil
	}
	admin, err := pgxpool.New(ctx, t.adminDSN)
	if err != nil {
		return fmt.Errorf("butlerctl: connect to admin database: %w", err)
	}
	defer admin.Close()

	if _, err := admin.Exec(ctx, `SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1 AND pid <> pg_backend_pid()`, t.dbName); err != nil {
		return fmt.Errorf("butlerctl: terminate connections: %w", err)
	}
	if _, err := admin.Exec(ctx, fmt.Sprintf("DROP DATABASE IF EXISTS %s", quoteIdent(t.dbName))); err != nil {
		return fmt.Errorf("butlerctl: drop database: %w", err)
	}
	if _, err := admin.Exec(ctx, fmt.Sprintf("CREATE DATABASE %s", quoteIdent(t.dbName))); err != nil {
		return fmt.Errorf("butlerctl: create database: %w", err)
	}
	return nil
}

func resetManagedSchemas(ctx context.Context, t target, schemas []string, dryRun bool) error {
	for _, schema := range schemas {
		if err := validateIdentifier(schema, "managed schema"); err != nil {
			return err
		}
	}
	if dryRun {
		return nil
	}

	pool, err := pgxpool.New(ctx, t.dsn)
	if err != nil {
		return fmt.Errorf("butlerctl: connect to target database: %w", err)
	}
	defer pool.Close()

	for _, schema := range schemas {
		if _, err := pool.Exec(ctx, fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", quoteIdent(schema))); err != nil {
			return fmt.Errorf("butlerctl: drop schema %s: %w", schema, err)
		}
		if _, err := pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", quoteIdent(schema))); err != nil {
			return fmt.Errorf("butlerctl: create schema %s: %w", schema, err)
		}
	}
	return nil
}

func doMigrate(ctx context.Context, opts runOptions) error {
	t, err := resolveTarget(opts.targetEnv)
	if err != nil {
		return err
	}
	return migrateSchemas(ctx, t, defaultManagedSchemas, opts.migrator)
}

func migrateSchemas(ctx context.Context, t target, schemas []string, migrator Migrator) error {
	for _, schema := range schemas {
		if err := migrator.Migrate(ctx, t.dsn, schema); err != nil {
			return fmt.Errorf("butlerctl: migrate schema %s: %w", schema, err)
		}
	}
	return nil
}

type validationFailure struct{ msg string }

func (e *validationFailure) Error() string { return e.msg }

func doValidate(ctx context.Context, opts runOptions) error {
	t, err := resolveTarget(opts.targetEnv)
	if err != nil {
		return err
	}
	return validateSchemaMatrix(ctx, t, defaultManagedSchemas)
}

func validateSchemaMatrix(ctx context.Context, t target, schemas []string) error {
	pool, err := pgxpool.New(ctx, t.dsn)
	if err != nil {
		return fmt.Errorf("butlerctl: connect to target database: %w", err)
	}
	defer pool.Close()

	var missing []string
	for _, schema := range schemas {
		var exists bool
		err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.schemata WHERE schema_name = $1)`, schema).Scan(&exists)
		if err != nil {
			return fmt.Errorf("butlerctl: check schema %s: %w", schema, err)
		}
		if !exists {
			missing = append(missing, schema)
		}
	}
	if len(missing) > 0 {
		return &validationFailure{msg: fmt.Sprintf("missing schemas: %s", strings.Join(missing, ", "))}
	}
	return nil
}

func doRun(ctx context.Context, opts runOptions) error {
	if err := doReset(ctx, opts); err != nil {
		return err
	}
	if opts.dryRun {
		return nil
	}
	if err := doMigrate(ctx, opts); err != nil {
		return err
	}
	return doValidate(ctx, opts)
}

func isConfigError(err error) bool {
	_, ok := err.(*configError)
	return ok
}

func isValidationFailure(err error) bool {
	_, ok := err.(*validationFailure)
	return ok
}

func quoteIdent(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func splitDatabaseName(dsn string) (dbName, adminDSN string, err error) {
	lastSlash := strings.LastIndex(dsn, "/")
	if lastSlash == -1 {
		return "", "", newConfigError("target DB URL must include a database name")
	}
	rest := dsn[lastSlash+1:]
	queryIdx := strings.IndexAny(rest, "?")
	name := rest
	suffix := ""
	if queryIdx != -1 {
		name = rest[:queryIdx]
		suffix = rest[queryIdx:]
	}
	if name == "" {
		return "", "", newConfigError("target DB URL must include a database name")
	}
	return name, dsn[:lastSlash+1] + "postgres" + suffix, nil
}
