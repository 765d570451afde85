package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/diunko/elliptics/internal/node"
	"github.com/diunko/elliptics/internal/proto"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Short:   "Run a storage node until interrupted",
	Long:    `Run a storage node. With --remote the node joins the existing network first; without it the node starts a new one. The process serves until SIGINT or SIGTERM.`,
	PreRunE: bindFlags,
	RunE:    runServe,
}

func init() {
	serveCmd.Flags().Bool("allow-exec", false, "serve remote command execution (off by default)")
	serveCmd.Flags().String("metrics-addr", "", "expose Prometheus counters over HTTP on this address")
	readCmd.Flags().Uint64("offset", 0, "read starting at this byte offset")
	readCmd.Flags().Uint64("size", 0, "read this many bytes, 0 reads to the end")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := buildConfig(viper.GetBool("allow-exec"))
	if err != nil {
		return err
	}
	n, err := node.New(cfg)
	if err != nil {
		return err
	}
	defer n.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(cfg.Remotes) > 0 {
		if err := n.Join(ctx); err != nil {
			return err
		}
	}
	if maddr := viper.GetString("metrics-addr"); maddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
			n.Stats().WritePrometheus(w)
		})
		srv := &http.Server{Addr: maddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				fmt.Fprintf(os.Stderr, "metrics on %s: %v\n", maddr, err)
			}
		}()
		defer srv.Close()
	}
	fmt.Printf("node %s serving on %s\n", n.ID(), n.Addr())

	<-ctx.Done()
	fmt.Println("shutting down")
	return nil
}

// withClient runs a one-shot operation through a transient node that
// joins the configured remotes first.
func withClient(fn func(ctx context.Context, n *node.Node) error) error {
	cfg, err := buildConfig(false)
	if err != nil {
		return err
	}
	n, err := node.New(cfg)
	if err != nil {
		return err
	}
	defer n.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.WaitTimeout+time.Minute)
	defer cancel()

	if len(cfg.Remotes) > 0 {
		if err := n.Join(ctx); err != nil {
			return err
		}
	}
	return fn(ctx, n)
}

var writeCmd = &cobra.Command{
	Use:     "write <file>",
	Short:   "Store a local file under the ID derived from its path",
	Args:    cobra.ExactArgs(1),
	PreRunE: bindFlags,
	RunE: func(_ *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, n *node.Node) error {
			id, err := n.WriteFile(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s  %s\n", id.Hex(), args[0])
			return nil
		})
	},
}

var readCmd = &cobra.Command{
	Use:     "read <name> <dst>",
	Short:   "Fetch the object named by <name> into the local file <dst>",
	Args:    cobra.ExactArgs(2),
	PreRunE: bindFlags,
	RunE: func(_ *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, n *node.Node) error {
			id, err := objectID(n, args[0])
			if err != nil {
				return err
			}
			data, err := n.Read(ctx, id, viper.GetUint64("offset"), viper.GetUint64("size"))
			if err != nil {
				return err
			}
			if err := os.WriteFile(args[1], data, 0o644); err != nil {
				return err
			}
			fmt.Printf("%s  %d bytes -> %s\n", id.Hex(), len(data), args[1])
			return nil
		})
	},
}

var removeCmd = &cobra.Command{
	Use:     "remove <name>",
	Short:   "Remove the object named by <name> from its owning node",
	Args:    cobra.ExactArgs(1),
	PreRunE: bindFlags,
	RunE: func(_ *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, n *node.Node) error {
			id, err := objectID(n, args[0])
			if err != nil {
				return err
			}
			if err := n.Remove(ctx, id); err != nil {
				return err
			}
			fmt.Printf("removed %s\n", id.Hex())
			return nil
		})
	},
}

var historyCmd = &cobra.Command{
	Use:     "history <name>",
	Short:   "Print the update log of an object",
	Args:    cobra.ExactArgs(1),
	PreRunE: bindFlags,
	RunE: func(_ *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, n *node.Node) error {
			id, err := objectID(n, args[0])
			if err != nil {
				return err
			}
			recs, err := n.History(ctx, id)
			if err != nil {
				return err
			}
			for _, r := range recs {
				fmt.Printf("%s  trans %d  offset %d  size %d\n",
					time.Unix(r.Unix, 0).Format(time.RFC3339), r.TransID, r.Offset, r.Size)
			}
			return nil
		})
	},
}

var lookupCmd = &cobra.Command{
	Use:     "lookup <name>",
	Short:   "Resolve which node stores an object and its size",
	Args:    cobra.ExactArgs(1),
	PreRunE: bindFlags,
	RunE: func(_ *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, n *node.Node) error {
			id, err := objectID(n, args[0])
			if err != nil {
				return err
			}
			rep, err := n.Lookup(ctx, id)
			if err != nil {
				return err
			}
			fmt.Printf("%s  on %s  %d bytes\n", id.Hex(), rep.Addr, rep.Size)
			return nil
		})
	},
}

var statCmd = &cobra.Command{
	Use:     "stat",
	Short:   "Collect operation counters from every known node",
	Args:    cobra.NoArgs,
	PreRunE: bindFlags,
	RunE: func(_ *cobra.Command, _ []string) error {
		return withClient(func(ctx context.Context, n *node.Node) error {
			snaps, err := n.Stat(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(snaps)
		})
	},
}

var execCmd = &cobra.Command{
	Use:     "exec <command line>",
	Short:   "Run a shell command on the node owning --id (requires --allow-exec there)",
	Args:    cobra.MinimumNArgs(1),
	PreRunE: bindFlags,
	RunE: func(_ *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, n *node.Node) error {
			var id proto.ID
			if hex := viper.GetString("id"); hex != "" {
				var err error
				if id, err = proto.ParseID(hex); err != nil {
					return err
				}
			}
			out, err := n.Exec(ctx, id, strings.Join(args, " "))
			os.Stdout.Write(out)
			return err
		})
	},
}
