// Command dhtcrawl joins the Mainline DHT as a Sybil-style node, harvests
// announce_peer traffic, and resolves each observed infohash to a parsed
// torrent descriptor over the peer-wire metadata extension (BEP-9).
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/kjartan-berg/dhtcrawl/blacklist"
	"github.com/kjartan-berg/dhtcrawl/crawler"
	"github.com/kjartan-berg/dhtcrawl/dht"
	"github.com/kjartan-berg/dhtcrawl/ratelimit"
)

var (
	flagAddr      string
	flagPort      int
	flagFriends   int
	flagTimeout   int
	flagPeers     int64
	flagBlacklist int
	flagDir       string
	flagLogLevel  string
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dhtcrawl",
		Short: "Passive Mainline DHT crawler that harvests announce_peer traffic and fetches torrent metadata",
		RunE:  run,
	}

	cmd.Flags().StringVar(&flagAddr, "addr", "0.0.0.0", "UDP address to bind the DHT socket to")
	cmd.Flags().IntVar(&flagPort, "port", 6881, "UDP port to bind the DHT socket to")
	cmd.Flags().IntVar(&flagFriends, "friends", 500, "outbound find_node rate limit, events/sec")
	cmd.Flags().IntVar(&flagTimeout, "timeout", 15, "per-session MetaWire timeout, seconds")
	cmd.Flags().Int64Var(&flagPeers, "peers", 500, "concurrency cap for MetaWire sessions")
	cmd.Flags().IntVar(&flagBlacklist, "blacklist", 5000, "blacklist capacity")
	cmd.Flags().StringVar(&flagDir, "dir", "./torrents/", "output root for fetched .torrent files")
	cmd.Flags().StringVar(&flagLogLevel, "log-level", "info", "zerolog level: debug, info, warn, error")

	return cmd
}

func run(cmd *cobra.Command, args []string) error {
	log := newLogger()

	udpAddr := &net.UDPAddr{IP: net.ParseIP(flagAddr), Port: flagPort}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("binding UDP socket on %s: %w", udpAddr, err)
	}

	outbound := ratelimit.New(flagFriends)
	engine, err := dht.New(conn, outbound, log)
	if err != nil {
		conn.Close()
		return fmt.Errorf("starting DHT engine: %w", err)
	}

	bl := blacklist.New(flagBlacklist)
	orch := crawler.New(flagDir, flagPeers, time.Duration(flagTimeout)*time.Second, bl, log)

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	engineErr := make(chan error, 1)
	go func() { engineErr <- engine.Run(ctx) }()

	go orch.Run(ctx, engine.Announcements())
	go drainResults(orch.Results)

	log.Info().Str("addr", udpAddr.String()).Int64("peers", flagPeers).Int("friends", flagFriends).Msg("dhtcrawl started")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
		return nil
	case err := <-engineErr:
		if err != nil {
			return fmt.Errorf("dht engine stopped: %w", err)
		}
		return nil
	}
}

// drainResults keeps the orchestrator's Results channel flowing for command-line
// use; the torrent lines themselves are already written to stdout by the
// orchestrator as they are parsed (§6), so there is nothing further to do with
// each value beyond letting the channel drain.
func drainResults(results <-chan crawler.Result) {
	for range results {
	}
}

func newLogger() zerolog.Logger {
	levelName := flagLogLevel
	if env := os.Getenv("DHTCRAWL_LOG_LEVEL"); env != "" {
		levelName = env
	}
	level, err := zerolog.ParseLevel(levelName)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().
		Timestamp().
		Logger()
}
