// stowage is the storage orchestration CLI: multipart uploads, cached
// reads, and tag-based cache invalidation against an S3-compatible store.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stowage/stowage/internal/cache"
	"github.com/stowage/stowage/internal/config"
	"github.com/stowage/stowage/internal/lock"
	"github.com/stowage/stowage/internal/metrics"
	"github.com/stowage/stowage/internal/objstore"
	"github.com/stowage/stowage/internal/storage"
	"github.com/stowage/stowage/internal/upload"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string

	ownerID     string
	folderID    string
	contentType string
	outputPath  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "stowage",
		Short: "Storage orchestration for S3-compatible object stores",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging()
		},
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (overrides config)")

	uploadCmd := &cobra.Command{
		Use:   "upload <file> <path>",
		Short: "Upload a local file to the store",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpload(cmd.Context(), args[0], args[1])
		},
	}
	uploadCmd.Flags().StringVar(&ownerID, "owner", "", "owner id for cache tagging and quota")
	uploadCmd.Flags().StringVar(&folderID, "folder", "", "folder id for cache tagging")
	uploadCmd.Flags().StringVar(&contentType, "content-type", "", "object content type")

	getCmd := &cobra.Command{
		Use:   "get <path>",
		Short: "Fetch an object, serving from cache when possible",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(cmd.Context(), args[0])
		},
	}
	getCmd.Flags().StringVarP(&outputPath, "output", "o", "", "write body to file instead of stdout")

	statCmd := &cobra.Command{
		Use:   "stat <path>",
		Short: "Print the stored metadata record for an object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStat(cmd.Context(), args[0])
		},
	}

	invalidateCmd := &cobra.Command{
		Use:   "invalidate <file-id>",
		Short: "Drop cache entries for a file and its owner/folder tags",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInvalidate(cmd.Context(), args[0])
		},
	}
	invalidateCmd.Flags().StringVar(&ownerID, "owner", "", "owner id tag to invalidate")
	invalidateCmd.Flags().StringVar(&folderID, "folder", "", "folder id tag to invalidate")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("stowage %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		},
	}

	rootCmd.AddCommand(uploadCmd, getCmd, statCmd, invalidateCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging() error {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	if logLevel == "" {
		return nil
	}
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	zerolog.SetGlobalLevel(level)
	return nil
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel == "" {
		level, err := zerolog.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q in config: %w", cfg.LogLevel, err)
		}
		zerolog.SetGlobalLevel(level)
	}
	return cfg, nil
}

func buildStore(ctx context.Context, cfg *config.Config) (objstore.Client, error) {
	switch cfg.Store.Backend {
	case "memory":
		return objstore.NewMemory(), nil
	case "s3":
		opts := []func(*awsconfig.LoadOptions) error{}
		if cfg.Store.Region != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.Store.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.Store.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Store.Endpoint)
			}
			o.UsePathStyle = cfg.Store.ForcePathStyle
			if cfg.Store.AccessKeyID != "" {
				o.Credentials = aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
					return aws.Credentials{
						AccessKeyID:     cfg.Store.AccessKeyID,
						SecretAccessKey: cfg.Store.SecretAccessKey,
					}, nil
				})
			}
		})
		return objstore.NewS3Client(client, cfg.Store.Bucket), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func buildFacade(ctx context.Context, cfg *config.Config) (*storage.Facade, error) {
	store, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	em := metrics.Init(nil)

	var cacheBackend cache.Backend
	var lockBackend lock.Backend
	if cfg.Redis.Enabled {
		db := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rc := cache.NewRedis(db)
		if err := rc.Ping(ctx); err != nil {
			return nil, fmt.Errorf("redis at %s: %w", cfg.Redis.Addr, err)
		}
		cacheBackend = rc
		lockBackend = lock.NewRedis(db)
	} else {
		cacheBackend = cache.NewMemory()
		lockBackend = lock.NewMemory()
	}

	coord := upload.NewCoordinator(store, upload.Config{
		MaxAttempts:    cfg.Upload.MaxAttempts,
		InitialBackoff: config.Duration(cfg.Upload.InitialBackoff),
		Parallelism:    cfg.Upload.Parallelism,
		PartTimeout:    config.Duration(cfg.Upload.PartTimeout),
		Logger:         log.Logger,
		Metrics:        em,
	})
	idx := cache.NewIndex(cacheBackend, cache.Config{Logger: log.Logger, Metrics: em})
	locks := lock.NewManager(lockBackend, lock.Config{Logger: log.Logger, Metrics: em})

	var quota *storage.QuotaManager
	if cfg.Quota.MaxBytes > 0 {
		quota = storage.NewQuotaManager(cfg.Quota.MaxBytes.Bytes())
	}

	return storage.New(store, coord, idx, locks, quota, nil, storage.Config{
		MultipartThreshold: cfg.Upload.MultipartThreshold.Bytes(),
		ChunkSize:          uint64(cfg.Upload.ChunkSize.Bytes()),
		LockTTL:            config.Duration(cfg.Lock.TTL),
		LockWait:           config.Duration(cfg.Lock.Wait),
		CacheTTL:           config.Duration(cfg.Cache.TTL),
		Logger:             log.Logger,
		Metrics:            em,
	}), nil
}

func runUpload(ctx context.Context, localPath, storePath string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	facade, err := buildFacade(ctx, cfg)
	if err != nil {
		return err
	}

	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}

	desc, err := facade.Upload(ctx, f, fi.Size(), storePath, storage.FileMetadata{
		OwnerID:     ownerID,
		FolderID:    folderID,
		ContentType: contentType,
	})
	if err != nil {
		return err
	}
	return printJSON(desc)
}

func runGet(ctx context.Context, storePath string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	facade, err := buildFacade(ctx, cfg)
	if err != nil {
		return err
	}

	data, err := facade.Read(ctx, storePath)
	if err != nil {
		return err
	}
	if outputPath != "" {
		return os.WriteFile(outputPath, data, 0o644)
	}
	_, err = os.Stdout.Write(data)
	return err
}

func runStat(ctx context.Context, storePath string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	facade, err := buildFacade(ctx, cfg)
	if err != nil {
		return err
	}

	rec, err := facade.Stat(ctx, storePath)
	if err != nil {
		return err
	}
	return printJSON(rec)
}

func runInvalidate(ctx context.Context, fileID string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	facade, err := buildFacade(ctx, cfg)
	if err != nil {
		return err
	}
	return facade.Invalidate(ctx, fileID, ownerID, folderID)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
