package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/unkn0wn-root/layercache"
	"github.com/unkn0wn-root/layercache/codec"
	"github.com/unkn0wn-root/layercache/config"
	"github.com/unkn0wn-root/layercache/layer"
	charmlog "github.com/unkn0wn-root/layercache/log/charm"
)

type flags struct {
	namespace string
	dir       string
	durable   string
	origin    string
	verbose   bool
}

func newRootCmd() *cobra.Command {
	var f flags

	root := &cobra.Command{
		Use:           "layercache",
		Short:         "Inspect and manage a tiered object cache",
		SilenceUsage:  true,
		SilenceErrors: false,
		Version:       version(),
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&f.namespace, "namespace", "n", "", "cache namespace (env LAYERCACHE_NAMESPACE)")
	pf.StringVar(&f.dir, "dir", "", "durable layer root (env LAYERCACHE_DIR)")
	pf.StringVar(&f.durable, "durable", "", "durable layer: disk or sqlite (env LAYERCACHE_DURABLE)")
	pf.StringVar(&f.origin, "origin", "", "origin base url (env LAYERCACHE_ORIGIN_URL)")
	pf.BoolVarP(&f.verbose, "verbose", "v", false, "log every layer interaction")

	root.AddCommand(
		getCmd(&f),
		putCmd(&f),
		rmCmd(&f),
		purgeCmd(&f),
		layersCmd(&f),
	)
	return root
}

func version() string {
	if Version == "" {
		return "unknown (built from source)"
	}
	return Version
}

// loadConfig reads the environment and applies flag overrides.
func loadConfig(f *flags) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if f.namespace != "" {
		cfg.Namespace = f.namespace
	}
	if f.dir != "" {
		cfg.Dir = f.dir
	}
	if f.durable != "" {
		cfg.Durable = f.durable
	}
	if f.origin != "" {
		cfg.OriginURL = f.origin
	}
	if f.verbose {
		cfg.LogLevel = "debug"
	}
	return cfg, cfg.Validate()
}

func newLogger(w io.Writer, lvl string) *log.Logger {
	l := log.NewWithOptions(w, log.Options{ReportTimestamp: true, TimeFormat: time.Kitchen})
	if level, err := log.ParseLevel(lvl); err == nil {
		l.SetLevel(level)
	}
	return l
}

// withCache opens the configured stack, runs fn and closes the stack.
func withCache(cmd *cobra.Command, f *flags, fn func(context.Context, layercache.Cache[[]byte], *log.Logger) error) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg.LogLevel)

	layers, err := cfg.Build()
	if err != nil {
		return err
	}
	cache, err := layercache.New(layercache.Options[[]byte]{
		Layers: layers,
		Codec:  codec.Bytes{},
		Logger: charmlog.Logger{L: logger},
		Observer: layercache.ObserverFunc(func(e layercache.Event) {
			logger.Debug(string(e.Op), "key", e.Key, "layer", e.LayerName, "outcome", string(e.Outcome), "took", e.Duration)
		}),
	})
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	runErr := fn(ctx, cache, logger)
	if err := cache.Close(context.WithoutCancel(ctx)); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func getCmd(f *flags) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "get KEY",
		Short: "Retrieve KEY, falling back through the layers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(cmd, f, func(ctx context.Context, c layercache.Cache[[]byte], logger *log.Logger) error {
				b, err := c.Retrieve(ctx, args[0])
				if layercache.IsMiss(err) {
					return fmt.Errorf("%s: not found in any layer", args[0])
				}
				if err != nil {
					return err
				}
				if out == "" || out == "-" {
					_, err = cmd.OutOrStdout().Write(b)
					return err
				}
				if err := os.WriteFile(out, b, 0o644); err != nil {
					return err
				}
				logger.Info("wrote", "file", out, "bytes", len(b))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "write the payload to a file instead of stdout")
	return cmd
}

func putCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "put KEY FILE",
		Short: "Store the contents of FILE (- for stdin) under KEY in every layer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				b   []byte
				err error
			)
			if args[1] == "-" {
				b, err = io.ReadAll(cmd.InOrStdin())
			} else {
				b, err = os.ReadFile(args[1])
			}
			if err != nil {
				return err
			}
			return withCache(cmd, f, func(ctx context.Context, c layercache.Cache[[]byte], _ *log.Logger) error {
				return c.Store(ctx, args[0], b)
			})
		},
	}
}

func rmCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "rm KEY...",
		Short: "Remove keys from every layer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(cmd, f, func(ctx context.Context, c layercache.Cache[[]byte], _ *log.Logger) error {
				for _, k := range args {
					_ = c.Remove(ctx, k)
				}
				return nil
			})
		},
	}
}

func purgeCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Remove everything in the namespace from every layer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCache(cmd, f, func(ctx context.Context, c layercache.Cache[[]byte], logger *log.Logger) error {
				_ = c.RemoveAll(ctx)
				logger.Info("purged", "layers", len(c.Layers()))
				return nil
			})
		},
	}
}

func layersCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "layers",
		Short: "List the configured layers, fastest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCache(cmd, f, func(_ context.Context, c layercache.Cache[[]byte], _ *log.Logger) error {
				for i, l := range c.Layers() {
					fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", i, layer.NameOf(l, "?"))
				}
				return nil
			})
		},
	}
}
