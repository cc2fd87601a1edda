package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/xrypthon/pubdrive/pkg/blob"
	"github.com/xrypthon/pubdrive/pkg/drive"
	"github.com/xrypthon/pubdrive/pkg/encryption"
	"github.com/xrypthon/pubdrive/pkg/gc"
	"github.com/xrypthon/pubdrive/pkg/registry"
	"github.com/xrypthon/pubdrive/pkg/server/httpapi"
	"github.com/xrypthon/pubdrive/pkg/server/middleware"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve uploads and downloads over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := httpServeOptions{
				Addr:        viper.GetString("serve.addr"),
				APIKey:      viper.GetString("serve.api_key"),
				RateLimit:   viper.GetInt("serve.rate_limit"),
				RateWindow:  viper.GetDuration("serve.rate_window"),
				MaxUploadMB: viper.GetInt64("serve.max_upload_mb"),
				GCInterval:  viper.GetDuration("gc.interval"),
				GCGrace:     viper.GetDuration("gc.grace"),
			}
			return runServe(cmd.Context(), application, opts)
		},
	}
	cmd.Flags().String("addr", ":3000", "listen address")
	cmd.Flags().String("api-key", "", "require API key on uploads (X-API-Key or Bearer token)")
	cmd.Flags().Int("rate-limit", 10, "password checks and downloads per client per window (0 disables)")
	cmd.Flags().Duration("rate-window", time.Minute, "rate limit window")
	cmd.Flags().Int64("max-upload-mb", 100, "largest accepted upload in MiB")
	cmd.Flags().Duration("gc-interval", 0, "orphan sweep interval (0 disables)")
	cmd.Flags().Duration("gc-grace", gc.DefaultGrace, "minimum blob age before an orphan is swept")
	bindConfig("serve.addr", cmd.Flags().Lookup("addr"))
	bindConfig("serve.api_key", cmd.Flags().Lookup("api-key"))
	bindConfig("serve.rate_limit", cmd.Flags().Lookup("rate-limit"))
	bindConfig("serve.rate_window", cmd.Flags().Lookup("rate-window"))
	bindConfig("serve.max_upload_mb", cmd.Flags().Lookup("max-upload-mb"))
	bindConfig("gc.interval", cmd.Flags().Lookup("gc-interval"))
	bindConfig("gc.grace", cmd.Flags().Lookup("gc-grace"))
	return cmd
}

func newPutCmd() *cobra.Command {
	var (
		protect   bool
		password  string
		name      string
		mediaType string
	)
	cmd := &cobra.Command{
		Use:   "put <file>",
		Short: "Upload a local file (use - for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			warnEphemeral(cmd.Context())
			if protect && password == "" {
				var err error
				if password, err = readPassword(os.Stdin, os.Stderr); err != nil {
					return err
				}
			}
			return doPut(cmd.Context(), application.drive, cmd.OutOrStdout(), args[0], putOptions{
				Name:      name,
				MediaType: mediaType,
				Protect:   protect,
				Password:  password,
			})
		},
	}
	cmd.Flags().BoolVar(&protect, "protect", false, "require a password to download")
	cmd.Flags().StringVar(&password, "password", "", "download password (prompted when omitted)")
	cmd.Flags().StringVar(&name, "name", "", "display name (defaults to the file's base name)")
	cmd.Flags().StringVar(&mediaType, "type", "", "media type (sniffed when omitted)")
	return cmd
}

func newGetCmd() *cobra.Command {
	var (
		password string
		token    string
		output   string
	)
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Download a file by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doGet(cmd.Context(), application.drive, cmd.OutOrStdout(), args[0], password, token, output)
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "password for protected files")
	cmd.Flags().StringVar(&token, "token", "", "download grant from verify-password")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	return cmd
}

func newLsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List stored files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			warnEphemeral(cmd.Context())
			return doList(cmd.Context(), application.drive, cmd.OutOrStdout(), asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>",
		Short: "Remove a file and its descriptor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return application.drive.Remove(cmd.Context(), args[0])
		},
	}
}

func newGCCmd() *cobra.Command {
	var grace time.Duration
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Remove blobs that have no descriptor",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := sweeperOptions(application, grace, true)
			if err != nil {
				return err
			}
			return doGC(cmd.Context(), gc.NewSweeper(opts), cmd.OutOrStdout())
		},
	}
	cmd.Flags().DurationVar(&grace, "grace", gc.DefaultGrace, "minimum blob age before an orphan is swept")
	return cmd
}

type httpServeOptions struct {
	Addr        string
	APIKey      string
	RateLimit   int
	RateWindow  time.Duration
	MaxUploadMB int64
	GCInterval  time.Duration
	GCGrace     time.Duration
}

func runServe(ctx context.Context, a *app, opt httpServeOptions) error {
	httpOpts := httpapi.Options{
		APIKey:         opt.APIKey,
		MaxUploadBytes: opt.MaxUploadMB << 20,
	}
	if opt.RateLimit > 0 {
		httpOpts.RateLimit = middleware.RateLimitOptions{
			Requests: opt.RateLimit,
			Window:   opt.RateWindow,
		}
	}
	if opt.GCInterval > 0 {
		gcOpts, err := sweeperOptions(a, opt.GCGrace, false)
		if err != nil {
			a.log.Warn(ctx, "gc disabled", "err", err)
		} else {
			stop := gc.NewSweeper(gcOpts).Start(ctx, opt.GCInterval)
			defer stop()
		}
	}
	server := &httpapi.Server{Drive: a.drive, Log: a.log.With("component", "http"), Opts: httpOpts}
	return server.Start(ctx, opt.Addr)
}

type putOptions struct {
	Name      string
	MediaType string
	Protect   bool
	Password  string
}

func doPut(ctx context.Context, svc *drive.Service, out io.Writer, src string, opts putOptions) error {
	var (
		r    io.Reader
		size int64 = -1
		name       = opts.Name
	)
	if src == "-" {
		r = os.Stdin
		if name == "" {
			name = "stdin"
		}
	} else {
		f, err := os.Open(src)
		if err != nil {
			return err
		}
		defer f.Close()
		if info, err := f.Stat(); err == nil {
			size = info.Size()
		}
		r = f
		if name == "" {
			name = filepath.Base(src)
		}
	}
	view, err := svc.Upload(ctx, drive.UploadRequest{
		Body:      r,
		Name:      name,
		MediaType: opts.MediaType,
		Size:      size,
		Protect:   opts.Protect,
		Password:  opts.Password,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s\t%d\t%s\n", view.ID, view.Size, view.Path)
	return nil
}

func doGet(ctx context.Context, svc *drive.Service, out io.Writer, id, password, token, output string) error {
	var (
		dl  *drive.Download
		err error
	)
	if token != "" {
		dl, err = svc.OpenWithGrant(ctx, id, token)
	} else {
		dl, err = svc.Open(ctx, id, password)
	}
	if err != nil {
		return err
	}
	defer dl.Close()
	if output == "" {
		_, err = io.Copy(out, dl)
		return err
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, dl); err != nil {
		f.Close()
		os.Remove(output)
		return err
	}
	return f.Close()
}

func doList(ctx context.Context, svc *drive.Service, out io.Writer, asJSON bool) error {
	if asJSON {
		views := make([]registry.View, 0)
		for v := range svc.List(ctx) {
			views = append(views, v)
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(views)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSIZE\tPROTECTED\tUPLOADED\tNAME")
	for v := range svc.List(ctx) {
		fmt.Fprintf(tw, "%s\t%d\t%t\t%s\t%s\n", v.ID, v.Size, v.Protected, v.UploadedAt.Format(time.RFC3339), v.Name)
	}
	return tw.Flush()
}

// sweeperOptions wires the sweeper to the app's stores. A long-running
// server may sweep against its own in-memory registry, since every live
// upload is registered or still inside the grace period. A one-shot run
// cannot see another process's memory, so it needs a persistent registry.
func sweeperOptions(a *app, grace time.Duration, oneShot bool) (gc.Options, error) {
	store, ok := a.blobs.(gc.WalkStore)
	if !ok {
		return gc.Options{}, errors.New("storage provider cannot enumerate blobs")
	}
	if oneShot && isMemoryRegistry() {
		return gc.Options{}, errors.New("gc needs a persistent registry; every blob would look orphaned")
	}
	return gc.Options{
		Registry: a.registry,
		Blobs:    store,
		Grace:    grace,
		Logger:   a.log.With("component", "gc"),
	}, nil
}

func doGC(ctx context.Context, sweeper *gc.Sweeper, out io.Writer) error {
	count, err := sweeper.Sweep(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "gc removed %d orphaned blobs\n", count)
	return nil
}

func readPassword(in *os.File, prompt io.Writer) (string, error) {
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("--password is required when stdin is not a terminal")
	}
	fmt.Fprint(prompt, "Password: ")
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(prompt)
	if err != nil {
		return "", err
	}
	return string(pw), nil
}

func warnEphemeral(ctx context.Context) {
	if isMemoryRegistry() && application.log != nil {
		application.log.Warn(ctx, "registry is in-memory; descriptors are lost when this command exits")
	}
}

func isMemoryRegistry() bool {
	r := strings.ToLower(strings.TrimSpace(viper.GetString("registry")))
	return r == "" || r == "memory"
}

type storageOptions struct {
	Root         string
	Encryption   encryption.Options
	Endpoint     string
	Bucket       string
	Region       string
	AccessKey    string
	SecretKey    string
	SessionToken string
	PathStyle    bool
	CreateBucket bool
}

func (o storageOptions) remote() blob.RemoteConfig {
	return blob.RemoteConfig{
		Endpoint:     o.Endpoint,
		Bucket:       o.Bucket,
		Region:       o.Region,
		AccessKey:    o.AccessKey,
		SecretKey:    o.SecretKey,
		SessionToken: o.SessionToken,
		CacheEntries: 1024,
		CacheTTL:     time.Minute,
	}
}

func buildBlobStore(ctx context.Context, provider string, opts storageOptions) (blob.Store, error) {
	switch strings.ToLower(provider) {
	case "", "local":
		if opts.Root == "" {
			return nil, errors.New("local storage requires root")
		}
		return blob.NewPathStore(opts.Root, opts.Encryption)
	case "minio":
		if opts.Endpoint == "" || opts.Bucket == "" || opts.AccessKey == "" || opts.SecretKey == "" {
			return nil, errors.New("minio config requires endpoint, bucket, access key, and secret key")
		}
		return blob.NewMinioStore(ctx, blob.MinioConfig{
			RemoteConfig: opts.remote(),
			CreateBucket: opts.CreateBucket,
		})
	case "s3":
		if opts.Bucket == "" || opts.AccessKey == "" || opts.SecretKey == "" || opts.Region == "" {
			return nil, errors.New("s3 config requires bucket, region, access key, and secret key")
		}
		return blob.NewS3Store(ctx, blob.S3Config{
			RemoteConfig: opts.remote(),
			PathStyle:    opts.PathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown storage provider %q", provider)
	}
}
