package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/diunko/elliptics/internal/backend"
	"github.com/diunko/elliptics/internal/backend/boltstore"
	"github.com/diunko/elliptics/internal/backend/filestore"
	"github.com/diunko/elliptics/internal/node"
	"github.com/diunko/elliptics/internal/proto"
	"github.com/diunko/elliptics/internal/telemetry"
)

// bindFlags hooks the command's flags into viper so DNET_* environment
// variables override unset flags. Installed as PreRunE on every
// subcommand.
func bindFlags(cmd *cobra.Command, _ []string) error {
	return viper.BindPFlags(cmd.Flags())
}

func parseLogMask(s string) (uint32, error) {
	var mask uint32
	for _, part := range strings.Split(s, ",") {
		switch strings.TrimSpace(part) {
		case "error":
			mask |= telemetry.LogError
		case "info":
			mask |= telemetry.LogInfo
		case "notice":
			mask |= telemetry.LogNotice
		case "trans":
			mask |= telemetry.LogTrans
		case "all":
			mask = telemetry.LogAll
		case "none", "":
		default:
			return 0, fmt.Errorf("unknown log class %q", part)
		}
	}
	return mask, nil
}

func openBackend() (backend.Handler, error) {
	dir := viper.GetString("dir")
	switch viper.GetString("backend") {
	case "file":
		return filestore.New(filepath.Join(dir, "data"), uint(viper.GetUint("bits")))
	case "kv":
		return boltstore.Open(filepath.Join(dir, "dnet.db"))
	default:
		return nil, fmt.Errorf("unknown backend %q (want file or kv)", viper.GetString("backend"))
	}
}

// buildConfig assembles the node configuration from viper.
func buildConfig(allowExec bool) (node.Config, error) {
	var cfg node.Config

	mask, err := parseLogMask(viper.GetString("log-mask"))
	if err != nil {
		return cfg, err
	}
	var logger telemetry.Logger = log.New(os.Stderr, "", log.LstdFlags)
	if path := viper.GetString("log"); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return cfg, fmt.Errorf("open log %s: %w", path, err)
		}
		logger = log.New(f, "", log.LstdFlags)
	}

	var id proto.ID
	if hex := viper.GetString("node-id"); hex != "" {
		id, err = proto.ParseID(hex)
		if err != nil {
			return cfg, err
		}
	}

	store, err := openBackend()
	if err != nil {
		return cfg, err
	}

	return node.Config{
		Addr:            viper.GetString("addr"),
		Family:          viper.GetString("family"),
		ID:              id,
		Remotes:         viper.GetStringSlice("remote"),
		Secure:          viper.GetBool("secure"),
		Transforms:      viper.GetStringSlice("transform"),
		Backend:         store,
		IOThreads:       viper.GetInt("io-threads"),
		MaxPending:      viper.GetInt("max-pending"),
		WaitTimeout:     time.Duration(viper.GetInt64("wait-timeout")) * time.Second,
		ResendCount:     viper.GetInt("resend-count"),
		TransactionSize: viper.GetUint64("transaction-size"),
		AllowExec:       allowExec,
		LogMask:         mask,
		Logger:          logger,
	}, nil
}

// objectID resolves the object ID for a client command: the --id flag
// when given, otherwise the name hashed through the node's transform.
func objectID(n *node.Node, name string) (proto.ID, error) {
	if hex := viper.GetString("id"); hex != "" {
		return proto.ParseID(hex)
	}
	return n.KeyID(name)
}
