package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/factfeed/factfeed/internal/config"
	"github.com/factfeed/factfeed/internal/contentdb"
	"github.com/factfeed/factfeed/internal/importer"
	"github.com/factfeed/factfeed/internal/logger"
	"github.com/factfeed/factfeed/internal/queue"
	"github.com/factfeed/factfeed/internal/scheduler"
	"github.com/factfeed/factfeed/internal/statsdb"
	"github.com/factfeed/factfeed/internal/storage"
	"github.com/factfeed/factfeed/internal/worker"
	"github.com/factfeed/factfeed/pkg/models"
)

// Version is set at build time
var Version = "dev"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "import":
			runImportSubcommand(os.Args[2:])
			return
		case "cancel":
			runCancelSubcommand(os.Args[2:])
			return
		case "status":
			runStatusSubcommand(os.Args[2:])
			return
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Log.Level, cfg.Log.Format)
	log.Info().Str("version", Version).Msg("Starting FactFeed...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := buildApp(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start")
	}
	defer app.Close()

	if cfg.Import.WarmCaches {
		if err := app.locations.Warm(ctx); err != nil {
			log.Warn().Err(err).Msg("Location cache warm failed, continuing cold")
		} else {
			log.Info().Int("locations", app.locations.Len()).Msg("Location cache warmed")
		}
	}

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		stalledAfter := time.Duration(cfg.Scheduler.StalledAfterMin) * time.Minute
		sched, err = scheduler.New(cfg.Scheduler.StalledSchedule, stalledAfter, app.content, app.processor, logger.Get("scheduler"))
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid scheduler configuration")
		}
		sched.Start()
	}

	pool := worker.New(app.queue, app.processor, app.content, cfg.Import.Workers, cfg.Queue.MaxRetries, logger.Get("worker"))

	errCh := make(chan error, 1)
	go func() { errCh <- pool.Run(ctx) }()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	case err := <-errCh:
		if err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Worker pool stopped")
		}
	}

	stop()
	if sched != nil {
		sched.Stop()
	}
	log.Info().Msg("FactFeed stopped")
}

// app bundles the wired components so startup and the subcommands share
// one construction path.
type app struct {
	blob      storage.Backend
	queue     queue.Queue
	content   *contentdb.Store
	stats     *statsdb.Store
	locations *importer.LocationCache
	processor *importer.Processor
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	blob, err := newStorageBackend(cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	content, err := contentdb.Open(cfg.ContentDB.Path, logger.Get("contentdb"))
	if err != nil {
		blob.Close()
		return nil, fmt.Errorf("content db: %w", err)
	}

	stats, err := statsdb.Open(ctx, cfg.StatsDB.DSN, cfg.StatsDB.MaxConnections, logger.Get("statsdb"))
	if err != nil {
		content.Close()
		blob.Close()
		return nil, fmt.Errorf("stats db: %w", err)
	}

	q, err := newQueue(cfg)
	if err != nil {
		stats.Close()
		content.Close()
		blob.Close()
		return nil, fmt.Errorf("queue: %w", err)
	}

	locations := importer.NewLocationCache(stats)
	importLog := logger.Get("importer")
	processor := importer.NewProcessor(
		content, blob, q,
		importer.NewValidator(blob, importLog),
		importer.NewMetaImporter(blob, stats, importLog),
		importer.NewBatchSplitter(blob, cfg.Import.RowsPerBatch, importLog),
		importer.NewObservationImporter(blob, stats, locations, importLog),
		importLog,
	)

	return &app{
		blob:      blob,
		queue:     q,
		content:   content,
		stats:     stats,
		locations: locations,
		processor: processor,
	}, nil
}

func (a *app) Close() {
	a.queue.Close()
	a.stats.Close()
	a.content.Close()
	a.blob.Close()
}

func newStorageBackend(cfg *config.Config) (storage.Backend, error) {
	sc := cfg.Storage
	switch sc.Backend {
	case "local":
		return storage.NewLocalBackend(sc.LocalPath, logger.Get("storage"))
	case "s3":
		return storage.NewS3Backend(&storage.S3Config{
			Bucket:    sc.S3Bucket,
			Region:    sc.S3Region,
			Endpoint:  sc.S3Endpoint,
			AccessKey: sc.S3AccessKey,
			SecretKey: sc.S3SecretKey,
			UseSSL:    sc.S3UseSSL,
			PathStyle: sc.S3PathStyle,
		}, logger.Get("storage"))
	case "azure":
		return storage.NewAzureBlobBackend(&storage.AzureBlobConfig{
			ConnectionString:   sc.AzureConnectionString,
			AccountName:        sc.AzureAccountName,
			AccountKey:         sc.AzureAccountKey,
			SASToken:           sc.AzureSASToken,
			ContainerName:      sc.AzureContainer,
			Endpoint:           sc.AzureEndpoint,
			UseManagedIdentity: sc.AzureUseManagedIdentity,
		}, logger.Get("storage"))
	default:
		return nil, fmt.Errorf("unknown storage backend %q", sc.Backend)
	}
}

func newQueue(cfg *config.Config) (queue.Queue, error) {
	qc := cfg.Queue
	switch qc.Backend {
	case "amqp":
		return queue.NewAMQPQueue(&queue.AMQPConfig{
			URL:           qc.AMQPURL,
			QueueName:     qc.QueueName,
			PrefetchCount: qc.PrefetchCount,
		}, logger.Get("queue"))
	case "memory":
		return queue.NewMemoryQueue(qc.PrefetchCount*16, logger.Get("queue")), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", qc.Backend)
	}
}

// runImportSubcommand uploads a data/meta pair (or archive) into the
// blob store and queues the import. Meant for operators and local
// development; services publish directly instead.
func runImportSubcommand(args []string) {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	subjectID := fs.String("subject", "", "Subject UUID (created with -subject-name when empty)")
	subjectName := fs.String("subject-name", "", "Name for a new subject")
	dataFile := fs.String("data", "", "Path to the data CSV (required)")
	metaFile := fs.String("meta", "", "Path to the meta CSV (required)")
	archiveFile := fs.String("archive", "", "Path to a zip holding both files")
	rowsPerBatch := fs.Int("rows-per-batch", 0, "Override the configured batch size")
	fs.Parse(args)

	if *dataFile == "" || *metaFile == "" {
		fmt.Fprintln(os.Stderr, "import requires -data and -meta")
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Log.Level, cfg.Log.Format)

	ctx := context.Background()
	app, err := buildApp(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start")
	}
	defer app.Close()

	subject, err := resolveSubject(ctx, app.stats, *subjectID, *subjectName)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to resolve subject")
	}

	di := &models.DataImport{
		ID:           uuid.New(),
		SubjectID:    subject.ID,
		DataFileName: filepath.Base(*dataFile),
		MetaFileName: filepath.Base(*metaFile),
		RowsPerBatch: *rowsPerBatch,
	}
	if di.RowsPerBatch == 0 {
		di.RowsPerBatch = cfg.Import.RowsPerBatch
	}

	if *archiveFile != "" {
		di.ArchiveFileName = filepath.Base(*archiveFile)
		if err := uploadFile(ctx, app.blob, *archiveFile, di.ArchiveFilePath()); err != nil {
			log.Fatal().Err(err).Msg("Failed to upload archive")
		}
	} else {
		if err := uploadFile(ctx, app.blob, *dataFile, di.DataFilePath()); err != nil {
			log.Fatal().Err(err).Msg("Failed to upload data file")
		}
		if err := uploadFile(ctx, app.blob, *metaFile, di.MetaFilePath()); err != nil {
			log.Fatal().Err(err).Msg("Failed to upload meta file")
		}
	}

	if err := app.processor.StartImport(ctx, di); err != nil {
		log.Fatal().Err(err).Msg("Failed to queue import")
	}

	fmt.Printf("Import queued\n")
	fmt.Printf("  import ID:  %s\n", di.ID)
	fmt.Printf("  subject ID: %s\n", subject.ID)
}

func runCancelSubcommand(args []string) {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	importID := fs.String("id", "", "Import UUID to cancel (required)")
	fs.Parse(args)

	id, err := uuid.Parse(*importID)
	if err != nil {
		fmt.Fprintln(os.Stderr, "cancel requires a valid -id")
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Log.Level, cfg.Log.Format)

	ctx := context.Background()
	app, err := buildApp(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start")
	}
	defer app.Close()

	if err := app.processor.CancelImport(ctx, id); err != nil {
		log.Fatal().Err(err).Msg("Failed to cancel import")
	}
	fmt.Printf("Cancellation requested for %s\n", id)
}

func runStatusSubcommand(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	importID := fs.String("id", "", "Import UUID to inspect (required)")
	fs.Parse(args)

	id, err := uuid.Parse(*importID)
	if err != nil {
		fmt.Fprintln(os.Stderr, "status requires a valid -id")
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Log.Level, cfg.Log.Format)

	ctx := context.Background()
	app, err := buildApp(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start")
	}
	defer app.Close()

	di, err := app.content.Get(ctx, id)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read import")
	}

	fmt.Printf("Import %s\n", di.ID)
	fmt.Printf("  subject:          %s\n", di.SubjectID)
	fmt.Printf("  status:           %s\n", di.Status)
	fmt.Printf("  total rows:       %d\n", di.TotalRows)
	fmt.Printf("  expected rows:    %d\n", di.ExpectedImportedRows)
	fmt.Printf("  batches imported: %d/%d\n", di.BatchesImported, di.NumBatches)
	if di.CancelRequested {
		fmt.Printf("  cancel requested\n")
	}
	for _, e := range di.Errors {
		fmt.Printf("  error: %s\n", e)
	}

	count, err := app.stats.CountObservationsForSubject(ctx, di.SubjectID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to count observations")
	}
	fmt.Printf("  observations stored for subject: %d\n", count)
}

func resolveSubject(ctx context.Context, stats *statsdb.Store, idArg, name string) (*models.Subject, error) {
	if idArg != "" {
		id, err := uuid.Parse(idArg)
		if err != nil {
			return nil, fmt.Errorf("invalid subject id %q: %w", idArg, err)
		}
		return stats.GetSubject(ctx, id)
	}
	if name == "" {
		return nil, fmt.Errorf("either -subject or -subject-name is required")
	}
	subject := &models.Subject{ID: uuid.New(), Name: name}
	if err := stats.CreateSubject(ctx, subject); err != nil {
		return nil, err
	}
	return subject, nil
}

func uploadFile(ctx context.Context, blob storage.Backend, localPath, blobPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	return blob.WriteReader(ctx, blobPath, f, info.Size())
}
