package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/Nafiz1/task-management-api/internal/config"
	"github.com/Nafiz1/task-management-api/internal/queue/domain"
	queuestorage "github.com/Nafiz1/task-management-api/internal/queue/storage"
	"github.com/Nafiz1/task-management-api/shared/logger"
	"github.com/Nafiz1/task-management-api/shared/postgresql"
	"github.com/Nafiz1/task-management-api/shared/redis"
	"github.com/golang-jwt/jwt/v5"
	"github.com/joho/godotenv"
)

const usage = `usage: queue-admin [-config path] <command> [flags]

commands:
  migrate                      apply database migrations
  stats                        count jobs per state
  list [-state s] [-limit n]   list jobs, newest first
  get -id <job_id>             show one job
  purge -yes                   delete every job in the queue
  token -sub <user> [-ttl d]   mint a development bearer token for the API
`

const commandTimeout = 30 * time.Second

var errUsage = errors.New("invalid usage")

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			if err != errUsage {
				fmt.Fprintln(os.Stderr, err)
			}
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		log.Fatal(err)
	}
}

func run(args []string, out io.Writer) error {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("QUEUE_ADMIN_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/queue-admin/config.yaml"
	}

	global := flag.NewFlagSet("queue-admin", flag.ContinueOnError)
	configPath := global.String("config", defaultConfigPath, "Path to configuration file")
	if err := global.Parse(args); err != nil {
		return errUsage
	}
	if global.NArg() == 0 {
		return errUsage
	}
	command, commandArgs := global.Arg(0), global.Args()[1:]

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAdminConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := logger.New(&logger.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		Output:       "stderr",
		EnableSource: cfg.Logging.EnableCaller,
		TimeFormat:   time.RFC3339,
		Service:      cfg.App.Name,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	if command == "token" {
		return runToken(cfg.Auth, commandArgs, time.Now(), out)
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	dbClient, err := postgresql.NewClient(&postgresql.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	}, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	if command == "migrate" {
		return dbClient.Migrate(ctx)
	}

	store, closeStore, err := openJobStore(cfg, dbClient, appLogger.Logger)
	if err != nil {
		return err
	}
	defer closeStore()

	switch command {
	case "stats":
		return runStats(ctx, store, out)
	case "list":
		return runList(ctx, store, commandArgs, out)
	case "get":
		return runGet(ctx, store, commandArgs, out)
	case "purge":
		return runPurge(ctx, store, commandArgs, out, appLogger.Logger)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, command)
	}
}

func openJobStore(cfg *config.Config, dbClient *postgresql.Client, logger *slog.Logger) (queuestorage.Store, func(), error) {
	backends := queuestorage.Backends{Postgres: dbClient.GetDB()}
	closeStore := func() {}

	if cfg.Queue.Backend == config.QueueBackendRedis {
		redisClient, err := redis.NewClient(&redis.Config{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize redis: %w", err)
		}
		backends.Redis = redisClient.GetClient()
		backends.RedisPrefix = cfg.Redis.KeyPrefix
		closeStore = func() { _ = redisClient.Close() }
	}

	store, err := queuestorage.New(cfg.Queue.Backend, backends, queuestorage.Options{
		MaxAttempts: cfg.Queue.MaxAttempts,
	}, logger)
	if err != nil {
		closeStore()
		return nil, nil, fmt.Errorf("failed to initialize job store: %w", err)
	}

	return store, closeStore, nil
}

func runStats(ctx context.Context, store queuestorage.Store, out io.Writer) error {
	counts, err := store.Stats(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STATE\tCOUNT")
	for _, s := range domain.AllStates {
		fmt.Fprintf(tw, "%s\t%d\n", s, counts[s])
	}
	return tw.Flush()
}

func runList(ctx context.Context, store queuestorage.Store, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	state := fs.String("state", "", "Only jobs in this state (pending, leased, completed, dead)")
	taskID := fs.String("task", "", "Only jobs of this task")
	limit := fs.Int("limit", 50, "Maximum number of jobs")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	if *state != "" && !domain.State(*state).Valid() {
		return fmt.Errorf("%w: unknown state %q", errUsage, *state)
	}
	if *limit <= 0 {
		return fmt.Errorf("%w: limit must be greater than 0", errUsage)
	}

	jobs, err := store.List(ctx, domain.Filter{
		State:    domain.State(*state),
		TaskID:   *taskID,
		PageSize: *limit,
	})
	if err != nil {
		return err
	}
	if len(jobs) > *limit {
		jobs = jobs[:*limit]
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB ID\tTASK ID\tSTATE\tATTEMPTS\tENQUEUED AT\tLAST ERROR")
	for _, job := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			job.JobID, job.TaskID, job.State, job.Attempts, job.MaxAttempts,
			job.EnqueuedAt.Format(time.RFC3339), job.LastError)
	}
	return tw.Flush()
}

func runGet(ctx context.Context, store queuestorage.Store, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	jobID := fs.String("id", "", "Job id")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *jobID == "" {
		return fmt.Errorf("%w: -id is required", errUsage)
	}

	job, err := store.Get(ctx, *jobID)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(job)
}

func runPurge(ctx context.Context, store queuestorage.Store, args []string, out io.Writer, logger *slog.Logger) error {
	fs := flag.NewFlagSet("purge", flag.ContinueOnError)
	yes := fs.Bool("yes", false, "Confirm deletion of every job")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if !*yes {
		return fmt.Errorf("%w: purge deletes every job; rerun with -yes", errUsage)
	}

	n, err := store.Purge(ctx)
	if err != nil {
		return err
	}

	logger.Info("Queue purged", slog.Int64("deleted", n))
	fmt.Fprintf(out, "deleted %d jobs\n", n)
	return nil
}

// runToken signs an HS256 token the API's auth middleware accepts. The
// subject becomes the owner of every task created with the token.
func runToken(auth config.AuthConfig, args []string, now time.Time, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	subject := fs.String("sub", "", "User id placed in the sub claim")
	ttl := fs.Duration("ttl", 24*time.Hour, "Token lifetime")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *subject == "" {
		return fmt.Errorf("%w: -sub is required", errUsage)
	}
	if *ttl <= 0 {
		return fmt.Errorf("%w: ttl must be greater than 0", errUsage)
	}
	if auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not configured")
	}

	claims := jwt.RegisteredClaims{
		Subject:   *subject,
		Issuer:    auth.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(*ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("failed to sign token: %w", err)
	}

	_, err = fmt.Fprintln(out, signed)
	return err
}
