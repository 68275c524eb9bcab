package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	ossignal "os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"meshpay/internal/fisher"
	"meshpay/internal/ledger"
	"meshpay/internal/mesh"
	"meshpay/internal/metrics"
	"meshpay/internal/node"
	"meshpay/internal/payment"
	"meshpay/internal/pprofutil"
	"meshpay/internal/signal"
	"meshpay/internal/store"
	"meshpay/internal/syncer"
	"meshpay/internal/wallet"
)

const (
	storeFile   = "tx.db"
	metricsFile = "metrics.json"
	routesFile  = "routes.json"
)

var (
	flagListen       string
	flagSignal       string
	flagSignalListen string
	flagSyncInterval time.Duration
	flagCredit       uint64
	flagSpots        []string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the mesh node daemon",
	RunE:  runStart,
}

func init() {
	startCmd.Flags().StringVar(&flagListen, "listen", "127.0.0.1:0", "data-path listen address")
	startCmd.Flags().StringVar(&flagSignal, "signal", "", "rendezvous server address to register with")
	startCmd.Flags().StringVar(&flagSignalListen, "signal-listen", "", "also run an embedded rendezvous server on this address")
	startCmd.Flags().DurationVar(&flagSyncInterval, "sync-interval", syncer.DefaultSyncInterval, "reconciliation interval")
	startCmd.Flags().Uint64Var(&flagCredit, "credit", 0, "seed the dev system of record with this balance for the local wallet")
	startCmd.Flags().StringSliceVar(&flagSpots, "spot", nil, "fishing spot addresses to register at boot")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	if err := pprofutil.StartFromEnv(os.Stderr); err != nil {
		return err
	}

	self, err := node.NewNode(flagHome, node.Options{})
	if err != nil {
		return fmt.Errorf("load node identity: %w", err)
	}
	signer, err := wallet.LoadOrCreate(flagHome)
	if err != nil {
		return fmt.Errorf("load wallet: %w", err)
	}
	st, err := store.Open(filepath.Join(flagHome, storeFile))
	if err != nil {
		return fmt.Errorf("open transaction store: %w", err)
	}
	defer st.Close()

	met := metrics.New()
	virtual := ledger.NewDevVirtual()
	auth := ledger.NewDevAuthoritative()
	if flagCredit > 0 {
		auth.Credit(signer.Address(), flagCredit)
	}
	fish := fisher.New(signer, virtual, st, met)
	sm := syncer.New(st, auth, met)

	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	signalAddr := flagSignal
	if flagSignalListen != "" {
		relay, err := signal.Listen(flagSignalListen)
		if err != nil {
			return fmt.Errorf("rendezvous listen: %w", err)
		}
		defer relay.Close()
		go func() { _ = relay.Serve(ctx) }()
		fmt.Fprintf(cmd.OutOrStdout(), "rendezvous listening on %s\n", relay.Addr())
		if signalAddr == "" {
			signalAddr = relay.Addr()
		}
	}

	mgr, err := mesh.NewManager(mesh.ManagerConfig{
		Self:       self.IDHex,
		Wallet:     signer.Address(),
		ListenAddr: flagListen,
		SignalAddr: signalAddr,
		Peers:      self.Peers,
		Metrics:    met,
		Router:     mesh.RouterOptions{Wallet: signer.Address()},
	})
	if err != nil {
		return fmt.Errorf("start mesh: %w", err)
	}
	defer mgr.Close()

	svc := payment.New(self.IDHex, signer, st, fish, sm, mgr.Router(), met)

	for _, spot := range flagSpots {
		if err := fish.RegisterSpot(ctx, spot); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "register spot %s: %v\n", spot, err)
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "node %s\nwallet %s\nlistening on %s\n", self.IDHex, signer.Address(), mgr.Addr())

	go svc.Run(ctx, mgr.Events(), mgr)
	go sm.Run(ctx, flagSyncInterval)
	go housekeeping(ctx, flagHome, met, mgr)

	if err := svc.ReplayPending(ctx); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "replay pending: %v\n", err)
	}
	_ = svc.RequestCatchUp(ctx, 0)

	err = mgr.Run(ctx)
	if ctx.Err() != nil {
		fmt.Fprintln(cmd.OutOrStdout(), "shutting down")
		_ = met.WriteSnapshot(filepath.Join(flagHome, metricsFile))
		return nil
	}
	return err
}

// housekeeping persists observability snapshots so the offline commands can
// inspect a running node.
func housekeeping(ctx context.Context, home string, met *metrics.Metrics, mgr *mesh.Manager) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := met.WriteSnapshot(filepath.Join(home, metricsFile)); err != nil {
				fmt.Fprintf(os.Stderr, "write metrics: %v\n", err)
			}
			writeRoutes(filepath.Join(home, routesFile), mgr)
		}
	}
}

func writeRoutes(path string, mgr *mesh.Manager) {
	data, err := json.MarshalIndent(mgr.Router().Table().Snapshot(), "", "  ")
	if err != nil {
		return
	}
	_ = os.WriteFile(path, data, 0600)
}
