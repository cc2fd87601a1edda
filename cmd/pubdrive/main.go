package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/xrypthon/pubdrive/pkg/access"
	"github.com/xrypthon/pubdrive/pkg/blob"
	"github.com/xrypthon/pubdrive/pkg/credential"
	"github.com/xrypthon/pubdrive/pkg/drive"
	"github.com/xrypthon/pubdrive/pkg/encryption"
	"github.com/xrypthon/pubdrive/pkg/idgen"
	"github.com/xrypthon/pubdrive/pkg/logging"
	"github.com/xrypthon/pubdrive/pkg/registry"
)

type app struct {
	log      logging.Logger
	blobs    blob.Store
	registry registry.Registry
	drive    *drive.Service
	cleanup  []func()
}

func (a *app) ensure(ctx context.Context) error {
	if a.drive != nil {
		return nil
	}
	log, err := logging.New(os.Stderr, viper.GetString("log_format"), viper.GetString("log_level"))
	if err != nil {
		return err
	}

	enc, err := encryptionFromConfig()
	if err != nil {
		return err
	}
	blobs, err := buildBlobStore(ctx, viper.GetString("storage_provider"), storageOptions{
		Root:         viper.GetString("root"),
		Encryption:   enc,
		Endpoint:     viper.GetString("storage_endpoint"),
		Bucket:       viper.GetString("storage_bucket"),
		Region:       viper.GetString("storage_region"),
		AccessKey:    viper.GetString("storage_access_key"),
		SecretKey:    viper.GetString("storage_secret_key"),
		SessionToken: viper.GetString("storage_session_token"),
		PathStyle:    viper.GetBool("storage_path_style"),
		CreateBucket: viper.GetBool("storage_create_bucket"),
	})
	if err != nil {
		return fmt.Errorf("storage config: %w", err)
	}
	if prov := viper.GetString("hybrid_provider"); prov != "" {
		secondary, err := buildBlobStore(ctx, prov, storageOptions{
			Root:         viper.GetString("hybrid_root"),
			Endpoint:     viper.GetString("hybrid_endpoint"),
			Bucket:       viper.GetString("hybrid_bucket"),
			Region:       viper.GetString("hybrid_region"),
			AccessKey:    viper.GetString("hybrid_access_key"),
			SecretKey:    viper.GetString("hybrid_secret_key"),
			SessionToken: viper.GetString("hybrid_session_token"),
			PathStyle:    viper.GetBool("hybrid_path_style"),
			CreateBucket: viper.GetBool("hybrid_create_bucket"),
		})
		if err != nil {
			return fmt.Errorf("hybrid storage config: %w", err)
		}
		blobs, err = blob.NewHybridStore(blobs, secondary, blob.HybridOptions{
			MirrorSecondary: viper.GetBool("hybrid_mirror"),
			CacheOnRead:     viper.GetBool("hybrid_cache_read"),
		})
		if err != nil {
			return err
		}
	}

	reg, closeReg, err := buildRegistry(viper.GetString("registry"), viper.GetString("registry_path"), log)
	if err != nil {
		return fmt.Errorf("registry config: %w", err)
	}
	if closeReg != nil {
		a.cleanup = append(a.cleanup, closeReg)
	}

	hasher, err := credential.New(viper.GetString("hasher"))
	if err != nil {
		return err
	}
	grants, err := access.NewGrants([]byte(viper.GetString("serve.grant_secret")), viper.GetDuration("serve.grant_ttl"))
	if err != nil {
		return err
	}

	a.log = log
	a.blobs = blobs
	a.registry = reg
	a.drive = drive.New(drive.Deps{
		IDs:      idgen.NewRandom(nil),
		Blobs:    blobs,
		Registry: reg,
		Access:   access.NewController(hasher, log),
		Grants:   grants,
		Log:      log,
	}, drive.Options{
		DescriptorCacheSize: viper.GetInt("descriptor_cache_size"),
		GrantTTL:            viper.GetDuration("serve.grant_ttl"),
	})
	return nil
}

func (a *app) close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
}

func encryptionFromConfig() (encryption.Options, error) {
	if !viper.GetBool("encrypt") {
		return encryption.Options{}, nil
	}
	key, err := encryption.ParseKey(viper.GetString("key"))
	if err != nil {
		return encryption.Options{}, err
	}
	return encryption.AES256CTR(key), nil
}

func buildRegistry(kind, path string, log logging.Logger) (registry.Registry, func(), error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "memory":
		return registry.NewMemoryRegistry(), nil, nil
	case "bolt":
		if path == "" {
			return nil, nil, errors.New("bolt registry requires registry_path")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, err
		}
		reg, err := registry.NewBoltRegistry(registry.BoltConfig{Path: path, Timeout: time.Second, Logger: log})
		if err != nil {
			return nil, nil, err
		}
		return reg, func() { _ = reg.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown registry %q", kind)
	}
}

var (
	cfgFile     string
	application = &app{}
	rootCmd     = &cobra.Command{
		Use:           "pubdrive",
		Short:         "pubdrive file drop with password-gated downloads",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return application.ensure(cmd.Context())
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	initRootFlags()
	initCommands()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
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
		viper.SetConfigName("pubdrive")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "pubdrive"))
		}
	}
	viper.SetEnvPrefix("PUBDRIVE")
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
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (TOML or YAML)")

	flags.String("root", ".pubdrive/blobs", "blob storage root (local provider)")
	flags.Bool("encrypt", false, "encrypt local blobs at rest")
	flags.String("key", "", "hex-encoded 32-byte key when encryption enabled")
	flags.String("hasher", credential.AlgorithmBcrypt, "password hasher: bcrypt|argon2id")
	flags.String("registry", "memory", "descriptor registry: memory|bolt")
	flags.String("registry-path", ".pubdrive/registry.db", "bolt registry file")
	flags.Int("descriptor-cache-size", 0, "descriptors cached in front of the registry (0 disables)")
	flags.String("log-level", "info", "log level: debug|info|warn|error")
	flags.String("log-format", "text", "log format: text|json")

	flags.String("storage-provider", "local", "storage provider: local|minio|s3")
	flags.String("storage-endpoint", "", "remote storage endpoint")
	flags.String("storage-bucket", "", "remote storage bucket name")
	flags.String("storage-region", "", "remote storage region")
	flags.String("storage-access-key", "", "remote storage access key")
	flags.String("storage-secret-key", "", "remote storage secret key")
	flags.String("storage-session-token", "", "remote storage session token")
	flags.Bool("storage-path-style", true, "use path-style bucket addressing (s3)")
	flags.Bool("storage-create-bucket", false, "create the bucket if missing (minio)")

	flags.String("hybrid-provider", "", "secondary storage provider for hybrid tier")
	flags.String("hybrid-root", "", "secondary storage root (local provider)")
	flags.String("hybrid-endpoint", "", "secondary storage endpoint")
	flags.String("hybrid-bucket", "", "secondary storage bucket")
	flags.String("hybrid-region", "", "secondary storage region")
	flags.String("hybrid-access-key", "", "secondary storage access key")
	flags.String("hybrid-secret-key", "", "secondary storage secret key")
	flags.String("hybrid-session-token", "", "secondary storage session token")
	flags.Bool("hybrid-path-style", true, "use path-style bucket addressing for the secondary (s3)")
	flags.Bool("hybrid-create-bucket", false, "create the secondary bucket if missing (minio)")
	flags.Bool("hybrid-mirror", true, "mirror writes to the secondary store")
	flags.Bool("hybrid-cache-read", true, "cache secondary reads into the primary store")

	flags.String("grant-secret", "", "HMAC secret for download grants (random when empty)")
	flags.Duration("grant-ttl", access.DefaultGrantTTL, "lifetime of download grants")

	for _, name := range []string{
		"root", "encrypt", "key", "hasher", "registry", "registry-path", "descriptor-cache-size",
		"log-level", "log-format",
		"storage-provider", "storage-endpoint", "storage-bucket", "storage-region",
		"storage-access-key", "storage-secret-key", "storage-session-token",
		"storage-path-style", "storage-create-bucket",
		"hybrid-provider", "hybrid-root", "hybrid-endpoint", "hybrid-bucket", "hybrid-region",
		"hybrid-access-key", "hybrid-secret-key", "hybrid-session-token",
		"hybrid-path-style", "hybrid-create-bucket", "hybrid-mirror", "hybrid-cache-read",
	} {
		bindConfig(strings.ReplaceAll(name, "-", "_"), flags.Lookup(name))
	}
	bindConfig("serve.grant_secret", flags.Lookup("grant-secret"))
	bindConfig("serve.grant_ttl", flags.Lookup("grant-ttl"))
}

func initCommands() {
	rootCmd.AddCommand(
		newServeCmd(),
		newPutCmd(),
		newGetCmd(),
		newLsCmd(),
		newRmCmd(),
		newGCCmd(),
	)
}
