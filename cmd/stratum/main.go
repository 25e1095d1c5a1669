// Package main implements the stratum command line tool: creating
// databases, inserting and scanning data, mounting the filesystem
// projection, and reclaiming space.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/stratumdb/stratum/internal/compaction"
	"github.com/stratumdb/stratum/internal/config"
	"github.com/stratumdb/stratum/internal/db"
	"github.com/stratumdb/stratum/internal/mount"
	"github.com/stratumdb/stratum/internal/storage"
	"github.com/stratumdb/stratum/pkg/types"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "create":
		err = runCreate(os.Args[2:])
	case "insert":
		err = runInsert(os.Args[2:])
	case "scan":
		err = runScan(os.Args[2:])
	case "mount":
		err = runMount(os.Args[2:])
	case "vacuum":
		err = runVacuum(os.Args[2:])
	case "compact":
		err = runCompact(os.Args[2:])
	case "-h", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(2)
	}

	if err != nil {
		log.Fatalf("stratum %s: %v", os.Args[1], err)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: stratum <command> [flags]

Commands:
  create   Create a new database from a schema file
  insert   Insert a batch of rows from a JSON file
  scan     Print all visible rows as JSON
  mount    Mount the database layout as a read-only filesystem
  vacuum   Reclaim orphaned and superseded data files
  compact  Merge all segments into one
`)
}

// loadConfig builds the effective configuration: defaults, optional
// file, then environment overrides.
func loadConfig(path string) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if path != "" {
		loaded, err := config.LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	config.LoadFromEnv(cfg)
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openOptions derives database options from configuration, wiring the
// archive tier when enabled.
func openOptions(ctx context.Context, cfg *config.Config) (db.Options, error) {
	opts := db.Options{WALMaxSegmentBytes: cfg.WAL.MaxSegmentBytes}
	if !cfg.Storage.Enabled {
		return opts, nil
	}

	switch cfg.Storage.Type {
	case "s3":
		archive, err := storage.NewS3Storage(ctx, cfg.Storage.S3.Bucket, storage.S3Config{
			Region:       cfg.Storage.S3.Region,
			Endpoint:     cfg.Storage.S3.Endpoint,
			UsePathStyle: cfg.Storage.S3.UsePathStyle,
		})
		if err != nil {
			return opts, err
		}
		opts.Archive = archive
	default:
		archive, err := storage.NewLocalStorage(cfg.Storage.Path)
		if err != nil {
			return opts, err
		}
		opts.Archive = archive
	}
	opts.ArchivePrefix = cfg.Storage.Prefix
	return opts, nil
}

func runCreate(args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	path := fs.String("path", "", "database directory")
	schemaPath := fs.String("schema", "", "YAML schema file")
	configPath := fs.String("config", "", "optional config file")
	fs.Parse(args)

	if *path == "" || *schemaPath == "" {
		return fmt.Errorf("--path and --schema are required")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(*schemaPath)
	if err != nil {
		return fmt.Errorf("failed to read schema file: %w", err)
	}
	var schema types.Schema
	if err := yaml.Unmarshal(data, &schema); err != nil {
		return fmt.Errorf("failed to parse schema file: %w", err)
	}
	if schema.Version == 0 {
		schema.Version = 1
	}

	opts, err := openOptions(context.Background(), cfg)
	if err != nil {
		return err
	}
	database, err := db.Create(*path, schema, opts)
	if err != nil {
		return err
	}
	defer database.Close()

	log.Printf("created database at %s with %d fields", *path, len(schema.Fields))
	return nil
}

func runInsert(args []string) error {
	fs := flag.NewFlagSet("insert", flag.ExitOnError)
	path := fs.String("path", "", "database directory")
	dataPath := fs.String("data", "", "JSON file holding an array of row objects")
	configPath := fs.String("config", "", "optional config file")
	fs.Parse(args)

	if *path == "" || *dataPath == "" {
		return fmt.Errorf("--path and --data are required")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	opts, err := openOptions(context.Background(), cfg)
	if err != nil {
		return err
	}

	database, err := db.Open(*path, opts)
	if err != nil {
		return err
	}
	defer database.Close()

	batch, err := readBatch(*dataPath, database.Schema())
	if err != nil {
		return err
	}

	res, err := database.Insert(context.Background(), batch)
	if err != nil {
		return err
	}
	log.Printf("committed transaction %s: file %s, %d rows",
		res.TxnID, res.File.ID, res.File.RowCount)
	return nil
}

// readBatch decodes a JSON array of row objects into a record batch,
// coercing JSON numbers to the schema's field types.
func readBatch(path string, schema types.Schema) (*types.RecordBatch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read data file: %w", err)
	}
	var rows []map[string]interface{}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse data file: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("data file holds no rows")
	}

	batch := types.NewRecordBatch(schema)
	for i, row := range rows {
		values := make([]interface{}, len(schema.Fields))
		for j, field := range schema.Fields {
			raw, ok := row[field.Name]
			if !ok || raw == nil {
				values[j] = nil
				continue
			}
			v, err := coerceValue(raw, field.Type)
			if err != nil {
				return nil, fmt.Errorf("row %d field %q: %w", i, field.Name, err)
			}
			values[j] = v
		}
		if err := batch.AppendRow(values...); err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
	}
	return batch, nil
}

func coerceValue(raw interface{}, ft types.FieldType) (interface{}, error) {
	switch ft {
	case types.TypeInt32:
		n, ok := raw.(float64)
		if !ok {
			return nil, fmt.Errorf("expected number, got %T", raw)
		}
		return int32(n), nil
	case types.TypeInt64:
		n, ok := raw.(float64)
		if !ok {
			return nil, fmt.Errorf("expected number, got %T", raw)
		}
		return int64(n), nil
	case types.TypeFloat64:
		n, ok := raw.(float64)
		if !ok {
			return nil, fmt.Errorf("expected number, got %T", raw)
		}
		return n, nil
	case types.TypeBool:
		b, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("expected bool, got %T", raw)
		}
		return b, nil
	case types.TypeString:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", raw)
		}
		return s, nil
	case types.TypeBytes:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected base64 string, got %T", raw)
		}
		return []byte(s), nil
	}
	return nil, fmt.Errorf("unsupported field type %s", ft)
}

func runScan(args []string) error {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	path := fs.String("path", "", "database directory")
	configPath := fs.String("config", "", "optional config file")
	fs.Parse(args)

	if *path == "" {
		return fmt.Errorf("--path is required")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	opts, err := openOptions(context.Background(), cfg)
	if err != nil {
		return err
	}

	database, err := db.Open(*path, opts)
	if err != nil {
		return err
	}
	defer database.Close()

	batches, err := database.Scan(context.Background())
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	for _, batch := range batches {
		for i := 0; i < batch.NumRows(); i++ {
			row := make(map[string]interface{}, len(batch.Schema.Fields))
			values := batch.Row(i)
			for j, field := range batch.Schema.Fields {
				row[field.Name] = values[j]
			}
			if err := enc.Encode(row); err != nil {
				return err
			}
		}
	}
	return nil
}

func runMount(args []string) error {
	fs := flag.NewFlagSet("mount", flag.ExitOnError)
	path := fs.String("path", "", "database directory")
	mountpoint := fs.String("mountpoint", "", "empty directory to mount at")
	debug := fs.Bool("debug", false, "enable FUSE protocol tracing")
	configPath := fs.String("config", "", "optional config file")
	fs.Parse(args)

	if *path == "" || *mountpoint == "" {
		return fmt.Errorf("--path and --mountpoint are required")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	opts, err := openOptions(context.Background(), cfg)
	if err != nil {
		return err
	}

	database, err := db.Open(*path, opts)
	if err != nil {
		return err
	}
	defer database.Close()

	session := mount.NewSession(database, *mountpoint, mount.SessionOptions{
		MaxWorkers: cfg.Mount.MaxWorkers,
		Debug:      *debug || cfg.Mount.Debug,
	})
	if err := session.Mount(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received %v, unmounting", sig)

	return session.Unmount()
}

func runVacuum(args []string) error {
	fs := flag.NewFlagSet("vacuum", flag.ExitOnError)
	path := fs.String("path", "", "database directory")
	dryRun := fs.Bool("dry-run", false, "list reclaim candidates without deleting")
	configPath := fs.String("config", "", "optional config file")
	fs.Parse(args)

	if *path == "" {
		return fmt.Errorf("--path is required")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	opts, err := openOptions(context.Background(), cfg)
	if err != nil {
		return err
	}

	database, err := db.Open(*path, opts)
	if err != nil {
		return err
	}
	defer database.Close()

	vacuum := compaction.NewVacuum(database)
	var result *compaction.Result
	if *dryRun {
		result, err = vacuum.DryRun(context.Background())
	} else {
		result, err = vacuum.Run(context.Background())
	}
	if err != nil {
		return err
	}

	log.Printf("vacuum: %d orphans, %d superseded, %d deferred, %d deleted",
		len(result.Orphans), len(result.Superseded), len(result.Deferred), result.Deleted)
	for _, id := range result.Orphans {
		fmt.Printf("orphan\t%s\n", id)
	}
	for _, id := range result.Superseded {
		fmt.Printf("superseded\t%s\n", id)
	}
	return nil
}

func runCompact(args []string) error {
	fs := flag.NewFlagSet("compact", flag.ExitOnError)
	path := fs.String("path", "", "database directory")
	configPath := fs.String("config", "", "optional config file")
	fs.Parse(args)

	if *path == "" {
		return fmt.Errorf("--path is required")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	opts, err := openOptions(context.Background(), cfg)
	if err != nil {
		return err
	}

	database, err := db.Open(*path, opts)
	if err != nil {
		return err
	}
	defer database.Close()

	merged, err := compaction.Compact(context.Background(), database)
	if err != nil {
		return err
	}
	log.Printf("compacted into %s", merged)
	return nil
}
