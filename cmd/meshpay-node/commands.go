package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"meshpay/internal/metrics"
	"meshpay/internal/node"
	"meshpay/internal/payment"
	"meshpay/internal/store"
	"meshpay/internal/wallet"
)

var (
	flagPayTo      string
	flagPayAmount  uint64
	flagPayMessage string
)

var payCmd = &cobra.Command{
	Use:   "pay",
	Short: "Create and sign a payment",
	Long: `Create and sign a payment. The transaction is persisted as pending;
a running daemon picks it up, broadcasts it over the mesh, and reconciles it
when connectivity allows.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		signer, err := wallet.LoadOrCreate(flagHome)
		if err != nil {
			return err
		}
		st, err := store.Open(filepath.Join(flagHome, storeFile))
		if err != nil {
			return fmt.Errorf("open transaction store (is the daemon holding it?): %w", err)
		}
		defer st.Close()

		self, err := node.NewNode(flagHome, node.Options{})
		if err != nil {
			return err
		}
		svc := payment.New(self.IDHex, signer, st, nil, nil, nil, nil)
		created, err := svc.CreatePayment(context.Background(), flagPayTo, flagPayAmount, flagPayMessage)
		if err != nil {
			return err
		}
		return printJSON(cmd, created)
	},
}

var walletCmd = &cobra.Command{
	Use:   "wallet",
	Short: "Show the local wallet address",
	RunE: func(cmd *cobra.Command, args []string) error {
		signer, err := wallet.LoadOrCreate(flagHome)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), signer.Address())
		return nil
	},
}

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List known peers from the local book",
	RunE: func(cmd *cobra.Command, args []string) error {
		self, err := node.NewNode(flagHome, node.Options{})
		if err != nil {
			return err
		}
		for _, p := range self.Peers.List() {
			state := "known"
			if p.Connected {
				state = "connected"
			}
			addr := p.Addr
			if addr == "" {
				addr = "unknown"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s addr=%s wallet=%s %s last_seen=%s\n",
				p.ID, addr, p.WalletAddress, state, p.LastSeen.Format(time.RFC3339))
		}
		return nil
	},
}

var routesCmd = &cobra.Command{
	Use:   "routes",
	Short: "Show the routing table snapshot of a running daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(filepath.Join(flagHome, routesFile))
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Fprintln(cmd.OutOrStdout(), "no snapshot; is the daemon running?")
				return nil
			}
			return err
		}
		cmd.OutOrStdout().Write(data)
		fmt.Fprintln(cmd.OutOrStdout())
		return nil
	},
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List transactions not yet reconciled",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.Open(filepath.Join(flagHome, storeFile))
		if err != nil {
			return fmt.Errorf("open transaction store (is the daemon holding it?): %w", err)
		}
		defer st.Close()
		pending, err := st.Pending()
		if err != nil {
			return err
		}
		for _, rec := range pending {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s -> %s amount=%d status=%s\n",
				rec.ID, rec.From, rec.To, rec.Amount, rec.Status)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarize local node state",
	RunE: func(cmd *cobra.Command, args []string) error {
		self, err := node.NewNode(flagHome, node.Options{})
		if err != nil {
			return err
		}
		connected := 0
		peers := self.Peers.List()
		for _, p := range peers {
			if p.Connected {
				connected++
			}
		}
		snap := readMetricsSnapshot(filepath.Join(flagHome, metricsFile))
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "node %s\n", self.IDHex)
		fmt.Fprintf(out, "  peers: %d known, %d connected\n", len(peers), connected)
		fmt.Fprintf(out, "  payments: created=%d received=%d duplicate=%d invalid=%d\n",
			snap.Payments.Created, snap.Payments.Received, snap.Payments.Duplicate, snap.Payments.Invalid)
		fmt.Fprintf(out, "  routing: forwarded=%d broadcast=%d dropped(loop=%d hops=%d expired=%d)\n",
			snap.Routing.Forwarded, snap.Routing.Broadcast, snap.Routing.DropLoop, snap.Routing.DropMaxHops, snap.Routing.DropExpired)
		fmt.Fprintf(out, "  fisher: captured=%d executed=%d rewards=%d\n",
			snap.Fisher.Captured, snap.Fisher.Executed, snap.Fisher.Rewards)
		fmt.Fprintf(out, "  sync: synced=%d failed=%d skipped=%d\n",
			snap.Sync.Synced, snap.Sync.Failed, snap.Sync.Skipped)
		return nil
	},
}

func init() {
	payCmd.Flags().StringVar(&flagPayTo, "to", "", "recipient wallet address")
	payCmd.Flags().Uint64Var(&flagPayAmount, "amount", 0, "amount in minor units")
	payCmd.Flags().StringVar(&flagPayMessage, "message", "", "optional memo")
	_ = payCmd.MarkFlagRequired("to")
	_ = payCmd.MarkFlagRequired("amount")

	rootCmd.AddCommand(payCmd, walletCmd, peersCmd, routesCmd, pendingCmd, statusCmd)
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func readMetricsSnapshot(path string) metrics.Snapshot {
	data, err := os.ReadFile(path)
	if err != nil {
		return metrics.Snapshot{}
	}
	var snap metrics.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return metrics.Snapshot{}
	}
	return snap
}
