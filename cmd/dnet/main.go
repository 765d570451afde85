// dnet runs an elliptics storage node and drives it as a client: it
// can serve a backend to the network, join an existing network, and
// perform one-shot write/read/remove/lookup/history/stat/exec
// operations. Configuration comes from flags, DNET_* environment
// variables, or a .env file.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/diunko/elliptics/internal/proto"
)

const version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "dnet",
	Short: "peer-to-peer content-addressed storage node",
	Long: fmt.Sprintf(`dnet (v%s)

A node of a peer-to-peer distributed storage network. Objects are
addressed by the hash of their name; a ring of nodes splits the ID
space and every operation is routed to the owning node.

Flags may also be set through environment variables with the DNET_
prefix (e.g. DNET_ADDR=0.0.0.0:1025) or a .env file.`, version),
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the dnet version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("dnet v%s\n", version)
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.StringP("addr", "a", "127.0.0.1:0", "listen address, host:port (port 0 picks a free one)")
	pf.StringSliceP("remote", "r", nil, "remote node to join through, repeatable")
	pf.String("family", "tcp", "address family: tcp, tcp4 or tcp6")
	pf.Bool("secure", false, "encrypt node-to-node traffic (Noise)")
	pf.StringSlice("transform", []string{"sha512"}, "transform chain, first entry derives IDs (sha512, sha256, sha3-512, blake2b-512)")
	pf.String("node-id", "", "node ring identity as hex, derived from the address when empty")
	pf.String("id", "", "object ID as hex, overrides deriving it from the name")
	pf.String("backend", "file", "storage backend: file or kv")
	pf.String("dir", "dnet-data", "backend data directory")
	pf.Uint("bits", 8, "file backend directory fan-out bits")
	pf.Int("io-threads", 2, "IO worker count")
	pf.Int("max-pending", 8, "max in-flight transactions per IO worker")
	pf.Int64("wait-timeout", 3600, "transaction reply deadline, seconds")
	pf.Int("resend-count", 3, "timed-out transaction resend budget")
	pf.Uint64("transaction-size", 1<<20, "chunk size large objects split into, bytes")
	pf.String("log", "", "log file, stderr when empty")
	pf.String("log-mask", "error,notice", "log classes: error,info,notice,trans,all,none")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(writeCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(lookupCmd)
	rootCmd.AddCommand(statCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(versionCmd)
}

// initConfig wires environment overrides: .env files first, then
// DNET_-prefixed variables matching flag names.
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("dnet")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// main maps a failure onto the wire status taxonomy so scripts can
// tell not-found from timeout from no-route (exit code is the negated
// status, e.g. 2 for not-found, 110 for timeout).
func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(int(-proto.StatusOf(err)))
	}
}
