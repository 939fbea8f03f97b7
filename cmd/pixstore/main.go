package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jacktea/pixstore/pkg/blob"
	"github.com/jacktea/pixstore/pkg/encryption"
	"github.com/jacktea/pixstore/pkg/imagestore"
	"github.com/jacktea/pixstore/pkg/imaging"
	"github.com/jacktea/pixstore/pkg/logging"
	"github.com/jacktea/pixstore/pkg/pipeline"
	"github.com/jacktea/pixstore/pkg/server/httpapi"
	"github.com/jacktea/pixstore/pkg/server/middleware"
)

type app struct {
	ctx       context.Context
	log       *slog.Logger
	store     *imagestore.Store
	ingester  *pipeline.Ingester
	retriever *pipeline.Retriever
	closers   []io.Closer
}

func (a *app) ensureBackend() error {
	if a.store != nil {
		return nil
	}
	logger, err := logging.New(logging.Options{
		Level:  viper.GetString("log_level"),
		Format: viper.GetString("log_format"),
	})
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	var enc encryption.Options
	if viper.GetBool("encrypt") {
		k := viper.GetString("key")
		if k == "" {
			return errors.New("encryption enabled but key missing")
		}
		enc, err = encryption.ParseKey(k)
		if err != nil {
			return err
		}
	}

	primary, err := buildBlobStore(viper.GetString("storage_provider"), storageOptions{
		Root:         viper.GetString("root"),
		BoltPath:     viper.GetString("bolt_path"),
		Endpoint:     viper.GetString("storage_endpoint"),
		Bucket:       viper.GetString("storage_bucket"),
		Region:       viper.GetString("storage_region"),
		AccessKey:    viper.GetString("storage_access_key"),
		SecretKey:    viper.GetString("storage_secret_key"),
		SessionToken: viper.GetString("storage_session_token"),
		Encryption:   enc,
	})
	if err != nil {
		return fmt.Errorf("storage config: %w", err)
	}
	a.track(primary)

	blobs := primary
	if prov := viper.GetString("hybrid_provider"); prov != "" {
		secondary, err := buildBlobStore(prov, storageOptions{
			Root:         viper.GetString("hybrid_root"),
			BoltPath:     viper.GetString("hybrid_bolt_path"),
			Endpoint:     viper.GetString("hybrid_endpoint"),
			Bucket:       viper.GetString("hybrid_bucket"),
			Region:       viper.GetString("hybrid_region"),
			AccessKey:    viper.GetString("hybrid_access_key"),
			SecretKey:    viper.GetString("hybrid_secret_key"),
			SessionToken: viper.GetString("hybrid_session_token"),
			Encryption:   enc,
		})
		if err != nil {
			return fmt.Errorf("hybrid storage config: %w", err)
		}
		a.track(secondary)
		blobs, err = blob.NewHybridStore(primary, secondary, blob.HybridOptions{
			MirrorSecondary: viper.GetBool("hybrid_mirror"),
			CacheOnRead:     viper.GetBool("hybrid_cache_read"),
		})
		if err != nil {
			return err
		}
	}

	codec := imaging.Codec{Limits: imaging.Limits{
		MaxPixels:    viper.GetInt64("max_pixels"),
		MaxDimension: viper.GetInt("max_dimension"),
	}}
	a.ctx = context.Background()
	a.log = logger
	a.store = imagestore.New(blobs)
	a.ingester = &pipeline.Ingester{
		Codec:   codec,
		Store:   a.store,
		Workers: viper.GetInt("decode_workers"),
		Log:     logger,
	}
	a.retriever = &pipeline.Retriever{Codec: codec, Store: a.store, Log: logger}
	return nil
}

func (a *app) track(store blob.Store) {
	if closer, ok := store.(io.Closer); ok {
		a.closers = append(a.closers, closer)
	}
}

func (a *app) close() {
	for _, c := range a.closers {
		_ = c.Close()
	}
	a.closers = nil
}

var (
	cfgFile     string
	application = &app{}
	rootCmd     = &cobra.Command{
		Use:           "pixstore",
		Short:         "Content-addressed image store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return application.ensureBackend()
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	initRootFlags()
	initCommands()
}

func main() {
	err := rootCmd.Execute()
	application.close()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("pixstore")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "pixstore"))
		}
	}
	viper.SetEnvPrefix("PIXSTORE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			fmt.Fprintf(os.Stderr, "read config: %v\n", err)
		}
	}
}

func bindConfig(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func initRootFlags() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (TOML or YAML)")

	pf.String("log-level", "info", "log level: debug|info|warn|error")
	pf.String("log-format", "text", "log format: text|json")

	pf.String("root", ".pixstore/blobs", "blob directory (local provider)")
	pf.String("bolt-path", ".pixstore/blobs.db", "database file (bolt provider)")
	pf.Bool("encrypt", false, "encrypt blobs at rest (local and s3 providers)")
	pf.String("key", "", "hex-encoded 32-byte key when encryption enabled")

	pf.String("storage-provider", "local", "storage provider: local|bolt|s3|memory")
	pf.String("storage-endpoint", "", "remote storage endpoint")
	pf.String("storage-bucket", "", "remote storage bucket name")
	pf.String("storage-region", "", "region (S3 only)")
	pf.String("storage-access-key", "", "remote storage access key")
	pf.String("storage-secret-key", "", "remote storage secret key")
	pf.String("storage-session-token", "", "remote storage session token (S3)")

	pf.String("hybrid-provider", "", "secondary storage provider for hybrid tier")
	pf.String("hybrid-root", "", "secondary blob directory (local provider)")
	pf.String("hybrid-bolt-path", "", "secondary database file (bolt provider)")
	pf.String("hybrid-endpoint", "", "secondary storage endpoint")
	pf.String("hybrid-bucket", "", "secondary storage bucket")
	pf.String("hybrid-region", "", "secondary storage region (S3 only)")
	pf.String("hybrid-access-key", "", "secondary storage access key")
	pf.String("hybrid-secret-key", "", "secondary storage secret key")
	pf.String("hybrid-session-token", "", "secondary storage session token (S3)")
	pf.Bool("hybrid-mirror", true, "mirror writes to the secondary store")
	pf.Bool("hybrid-cache-read", true, "cache secondary reads into the primary store")

	pf.Int64("max-pixels", imaging.DefaultMaxPixels, "largest decoded image, in pixels")
	pf.Int("max-dimension", imaging.DefaultMaxDimension, "largest requested width or height")
	pf.Int("decode-workers", 4, "images decoded in parallel per upload")

	for _, name := range []string{
		"log-level", "log-format",
		"root", "bolt-path", "encrypt", "key",
		"storage-provider", "storage-endpoint", "storage-bucket", "storage-region",
		"storage-access-key", "storage-secret-key", "storage-session-token",
		"hybrid-provider", "hybrid-root", "hybrid-bolt-path", "hybrid-endpoint", "hybrid-bucket",
		"hybrid-region", "hybrid-access-key", "hybrid-secret-key", "hybrid-session-token",
		"hybrid-mirror", "hybrid-cache-read",
		"max-pixels", "max-dimension", "decode-workers",
	} {
		bindConfig(strings.ReplaceAll(name, "-", "_"), pf.Lookup(name))
	}
}

func initCommands() {
	rootCmd.AddCommand(
		newServeCmd(),
		newPutCmd(),
		newGetCmd(),
		newStatCmd(),
	)
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve uploads and image reads over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := serveOptions{
				Addr:        viper.GetString("serve.addr"),
				MaxUpload:   viper.GetInt64("serve.max_upload"),
				CacheMaxAge: viper.GetInt("serve.cache_max_age"),
				CORSOrigins: viper.GetStringSlice("serve.cors_origin"),
				RateLimit:   viper.GetInt("serve.rate_limit"),
				RateWindow:  viper.GetDuration("serve.rate_window"),
			}
			ctx, stop := signal.NotifyContext(application.ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, application, opts)
		},
	}
	cmd.Flags().String("addr", ":8080", "listen address")
	cmd.Flags().Int64("max-upload", httpapi.DefaultMaxUploadBytes, "largest accepted upload body in bytes")
	cmd.Flags().Int("cache-max-age", httpapi.DefaultCacheMaxAge, "s-maxage in seconds for served images")
	cmd.Flags().StringSlice("cors-origin", nil, "allowed CORS origins (repeatable, * for any)")
	cmd.Flags().Int("rate-limit", 0, "requests allowed per client per rate window (0 disables)")
	cmd.Flags().Duration("rate-window", time.Second, "rate limit window")
	bindConfig("serve.addr", cmd.Flags().Lookup("addr"))
	bindConfig("serve.max_upload", cmd.Flags().Lookup("max-upload"))
	bindConfig("serve.cache_max_age", cmd.Flags().Lookup("cache-max-age"))
	bindConfig("serve.cors_origin", cmd.Flags().Lookup("cors-origin"))
	bindConfig("serve.rate_limit", cmd.Flags().Lookup("rate-limit"))
	bindConfig("serve.rate_window", cmd.Flags().Lookup("rate-window"))
	return cmd
}

func newPutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <file>...",
		Short: "Store images and print their keys (- reads stdin)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doPut(application.ctx, application.ingester, args, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func newGetCmd() *cobra.Command {
	var (
		width, height int
		aspect        string
		output        string
	)
	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Write a stored image, optionally resized",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dims := imaging.Dimensions{
				Width:          width,
				Height:         height,
				PreserveAspect: aspect == "p" || aspect == "preserve",
			}
			if output == "" || output == "-" {
				return doGet(application.ctx, application.retriever, args[0], dims, cmd.OutOrStdout())
			}
			f, err := os.Create(output)
			if err != nil {
				return err
			}
			if err := doGet(application.ctx, application.retriever, args[0], dims, f); err != nil {
				f.Close()
				os.Remove(output)
				return err
			}
			return f.Close()
		},
	}
	cmd.Flags().IntVarP(&width, "width", "w", 0, "output width in pixels")
	cmd.Flags().IntVarP(&height, "height", "H", 0, "output height in pixels")
	cmd.Flags().StringVar(&aspect, "aspect", "", "p or preserve keeps the source aspect ratio")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")
	return cmd
}

func newStatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat <key>",
		Short: "Print the stored size of an image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doStat(application.ctx, application.store, args[0], cmd.OutOrStdout())
		},
	}
}

type serveOptions struct {
	Addr        string
	MaxUpload   int64
	CacheMaxAge int
	CORSOrigins []string
	RateLimit   int
	RateWindow  time.Duration
}

func runServe(ctx context.Context, a *app, opt serveOptions) error {
	httpOpts := httpapi.Options{
		MaxUploadBytes: opt.MaxUpload,
		CacheMaxAge:    opt.CacheMaxAge,
		CORSOrigins:    opt.CORSOrigins,
	}
	if opt.RateLimit > 0 {
		httpOpts.RateLimit = middleware.RateLimitOptions{Requests: opt.RateLimit, Window: opt.RateWindow}
	}
	server := &httpapi.Server{
		Ingester:  a.ingester,
		Retriever: a.retriever,
		Log:       a.log,
		Opts:      httpOpts,
	}
	return server.Start(ctx, opt.Addr)
}

// storageOptions carries every provider's settings; each provider reads the
// fields it needs.
type storageOptions struct {
	Root         string
	BoltPath     string
	Endpoint     string
	Bucket       string
	Region       string
	AccessKey    string
	SecretKey    string
	SessionToken string
	Encryption   encryption.Options
}

func buildBlobStore(provider string, opts storageOptions) (blob.Store, error) {
	switch strings.ToLower(provider) {
	case "", "local":
		if opts.Root == "" {
			return nil, errors.New("local provider requires a root directory")
		}
		return blob.NewPathStore(opts.Root, opts.Encryption)
	case "bolt":
		if opts.Encryption.Enabled() {
			return nil, errors.New("bolt provider does not support encryption")
		}
		if opts.BoltPath == "" {
			return nil, errors.New("bolt provider requires a database path")
		}
		if err := os.MkdirAll(filepath.Dir(opts.BoltPath), 0o755); err != nil {
			return nil, err
		}
		return blob.NewBoltStore(blob.BoltConfig{Path: opts.BoltPath})
	case "memory":
		if opts.Encryption.Enabled() {
			return nil, errors.New("memory provider does not support encryption")
		}
		return blob.NewMemoryStore(), nil
	case "s3":
		if opts.Endpoint == "" || opts.Bucket == "" || opts.AccessKey == "" || opts.SecretKey == "" || opts.Region == "" {
			return nil, errors.New("s3 config requires endpoint, bucket, region, access key, and secret key")
		}
		return blob.NewS3Store(blob.S3Config{
			RemoteConfig: blob.RemoteConfig{
				Endpoint:     opts.Endpoint,
				Bucket:       opts.Bucket,
				CacheEntries: 1024,
				CacheBytes:   256 << 20,
				CacheTTL:     10 * time.Minute,
				Encryption:   opts.Encryption,
			},
			Region:       opts.Region,
			AccessKey:    opts.AccessKey,
			SecretKey:    opts.SecretKey,
			SessionToken: opts.SessionToken,
		})
	default:
		return nil, fmt.Errorf("unknown storage provider %q", provider)
	}
}

func doPut(ctx context.Context, ingester *pipeline.Ingester, paths []string, stdin io.Reader, out io.Writer) error {
	items := make([]pipeline.UploadItem, 0, len(paths))
	for _, p := range paths {
		var (
			data []byte
			err  error
		)
		if p == "-" {
			data, err = io.ReadAll(stdin)
		} else {
			data, err = os.ReadFile(p)
		}
		if err != nil {
			return err
		}
		items = append(items, pipeline.UploadItem{
			Name:        p,
			ContentType: mime.TypeByExtension(filepath.Ext(p)),
			Data:        data,
		})
	}
	results, err := ingester.Ingest(ctx, items)
	if err != nil {
		return err
	}
	for _, res := range results {
		fmt.Fprintln(out, res.Key)
	}
	return nil
}

func doGet(ctx context.Context, retriever *pipeline.Retriever, key string, dims imaging.Dimensions, out io.Writer) error {
	rend, err := retriever.Retrieve(ctx, pipeline.TransformRequest{Key: key, Dimensions: dims})
	if err != nil {
		return err
	}
	if !rend.Found {
		return fmt.Errorf("image %s not found", key)
	}
	_, err = out.Write(rend.Data)
	return err
}

func doStat(ctx context.Context, store *imagestore.Store, key string, out io.Writer) error {
	meta, err := store.Stat(ctx, key)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s\t%d\n", meta.Key, meta.Size)
	return nil
}
