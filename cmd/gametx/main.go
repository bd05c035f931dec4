// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

// Package main provides the gametx CLI: a demo driver for the game
// transaction sagas and inspection commands for persisted instances.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/playmech/gametx/pkg/logger"
	"github.com/playmech/gametx/pkg/saga"
	"github.com/playmech/gametx/pkg/saga/engine"
	"github.com/playmech/gametx/pkg/saga/events"
	"github.com/playmech/gametx/pkg/saga/sagas"
	"github.com/playmech/gametx/pkg/saga/storage"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("GAMETX")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "gametx",
		Short:         "Game transaction saga engine",
		Long:          "gametx runs and inspects game backend transactions (IAP purchases, score submissions) as sagas with automatic retry and compensation.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger.InitLogger(v.GetString("log-level"))
		},
	}

	flags := cmd.PersistentFlags()
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("store", "memory", "state store backend (memory, redis)")
	flags.String("redis-addr", "localhost:6379", "redis address for the redis store")
	flags.String("redis-prefix", "gametx:", "key prefix for the redis store")
	for _, name := range []string{"log-level", "store", "redis-addr", "redis-prefix"} {
		if err := v.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}

	cmd.AddCommand(newDemoCmd(v))
	cmd.AddCommand(newStatusCmd(v))
	cmd.AddCommand(newActiveCmd(v))
	return cmd
}

// newStore builds the configured state store.
func newStore(v *viper.Viper) (saga.StateStore, error) {
	switch v.GetString("store") {
	case "redis":
		cfg := storage.DefaultRedisConfig()
		cfg.Addr = v.GetString("redis-addr")
		cfg.KeyPrefix = v.GetString("redis-prefix")
		return storage.NewRedisStore(cfg)
	case "memory", "":
		return storage.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", v.GetString("store"))
	}
}

// newEngine builds an engine over the configured store with the demo
// service fakes registered.
func newEngine(v *viper.Viper, opts demoOptions) (*engine.Engine, saga.StateStore, error) {
	store, err := newStore(v)
	if err != nil {
		return nil, nil, err
	}

	metrics, err := engine.NewPrometheusCollector(prometheus.NewRegistry())
	if err != nil {
		return nil, nil, err
	}

	eng, err := engine.New(&engine.Config{
		Store:     store,
		Publisher: events.NewLogPublisher(logger.GetLogger()),
		Metrics:   metrics,
		Logger:    logger.GetLogger(),
	})
	if err != nil {
		return nil, nil, err
	}

	iapDef, err := sagas.NewIAPPurchaseSaga(&sagas.IAPDependencies{
		Receipts:     &demoReceiptVerifier{rejectReceipts: opts.rejectReceipt},
		Entitlements: &demoEntitlementService{},
		Analytics:    &demoAnalyticsPublisher{fail: opts.failAnalytics},
		CloudSave:    &demoCloudSaveService{},
	})
	if err != nil {
		return nil, nil, err
	}
	scoreDef, err := sagas.NewScoreSubmissionSaga(&sagas.ScoreDependencies{
		Integrity:   &demoIntegrityChecker{flagCheaters: opts.flagCheater},
		Leaderboard: &demoLeaderboardService{},
		CloudSave:   &demoCloudSaveService{},
	})
	if err != nil {
		return nil, nil, err
	}
	if err := eng.Register(iapDef); err != nil {
		return nil, nil, err
	}
	if err := eng.Register(scoreDef); err != nil {
		return nil, nil, err
	}
	return eng, store, nil
}

type demoOptions struct {
	rejectReceipt bool
	flagCheater   bool
	failAnalytics bool
}

func newDemoCmd(v *viper.Viper) *cobra.Command {
	var opts demoOptions

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run the purchase and score sagas against in-process service fakes",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, store, err := newEngine(v, opts)
			if err != nil {
				return err
			}
			defer store.Close()
			defer eng.Close()

			ctx := cmd.Context()
			log := logger.GetLogger()

			purchase, err := eng.Run(ctx, sagas.IAPPurchaseSagaType, "demo-purchase-001", sagas.PurchaseRequest{
				PlayerID:  "player-42",
				ProductID: "gems.large",
				Receipt:   "store-receipt-token",
				Store:     "app_store",
			})
			if err != nil {
				return err
			}
			printResult(cmd, "iap purchase", purchase)

			score, err := eng.Run(ctx, sagas.ScoreSubmissionSagaType, "demo-score-001", sagas.ScoreSubmission{
				PlayerID: "player-42",
				LevelID:  "level-7",
				Score:    98250,
				Proof:    "replay-checksum",
			})
			if err != nil {
				return err
			}
			printResult(cmd, "score submission", score)

			log.Info("demo finished",
				zap.String("purchase_state", purchase.State.String()),
				zap.String("score_state", score.State.String()),
			)
			return nil
		},
	}

	cmd.Flags().BoolVar(&opts.rejectReceipt, "reject-receipt", false, "make the fake platform reject the receipt")
	cmd.Flags().BoolVar(&opts.flagCheater, "flag-cheater", false, "make the fake anti-cheat reject the score")
	cmd.Flags().BoolVar(&opts.failAnalytics, "fail-analytics", false, "make the fake analytics backend fail")
	return cmd
}

func newStatusCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "status <transaction-id>",
		Short: "Print the persisted state of a transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := newStore(v)
			if err != nil {
				return err
			}
			defer store.Close()

			inst, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, inst)
		},
	}
}

func newActiveCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "active",
		Short: "List transactions that have not reached a terminal state",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := newStore(v)
			if err != nil {
				return err
			}
			defer store.Close()

			instances, err := store.List(cmd.Context(), &saga.Filter{
				States: []saga.SagaState{saga.StatePending, saga.StateRunning, saga.StateCompensating},
			})
			if err != nil {
				return err
			}
			if len(instances) == 0 {
				cmd.Println("no active transactions")
				return nil
			}
			for _, inst := range instances {
				cmd.Printf("%s  %-18s %-14s step=%d\n",
					inst.TransactionID, inst.SagaType, inst.State.String(), inst.CurrentStep)
			}
			return nil
		},
	}
}

func printResult(cmd *cobra.Command, label string, result *saga.TerminalResult) {
	cmd.Printf("--- %s ---\n", label)
	if err := printJSON(cmd, result); err != nil {
		cmd.PrintErrf("failed to render result: %v\n", err)
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	cmd.Println(string(payload))
	return nil
}
