package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	cosmosconfig "cosmos-core/pkg/config"

	"cosmos-core/core"
)

func main() {
	rootCmd := &cobra.Command{Use: "cosmos-client"}
	rootCmd.AddCommand(connectCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func connectCmd() *cobra.Command {
	var env, server string
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "connect to a cosmos-server world and stream chunk/replication channels",
		Run: func(cmd *cobra.Command, args []string) {
			if err := connect(env, server); err != nil {
				logrus.Fatalf("cosmos-client: %v", err)
			}
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "config environment overlay")
	cmd.Flags().StringVar(&server, "server", "", "server multiaddr to dial")
	return cmd
}

func connect(env, server string) error {
	log := logrus.StandardLogger()

	cfg, err := cosmosconfig.Load(env)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	seeds := cfg.Network.BootstrapPeers
	if server != "" {
		seeds = append(seeds, server)
	}

	node, err := core.NewNode(core.NodeConfig{
		ListenAddr:     "/ip4/0.0.0.0/tcp/0",
		BootstrapPeers: seeds,
		DiscoveryTag:   cfg.Network.DiscoveryTag,
	}, log)
	if err != nil {
		return fmt.Errorf("start network node: %w", err)
	}
	defer node.Close()

	reliable, err := node.Subscribe(core.ChannelReliable)
	if err != nil {
		return fmt.Errorf("subscribe reliable channel: %w", err)
	}
	chunks, err := node.Subscribe(core.ChannelChunkData)
	if err != nil {
		return fmt.Errorf("subscribe chunk data channel: %w", err)
	}

	log.Info("cosmos-client: connected, streaming replication channels")
	for {
		select {
		case msg, ok := <-reliable:
			if !ok {
				return nil
			}
			log.WithField("from", msg.From).Debug("cosmos-client: reliable message")
		case blob, ok := <-chunks:
			if !ok {
				return nil
			}
			log.WithField("from", blob.From).Debug("cosmos-client: chunk data message")
		}
	}
}
