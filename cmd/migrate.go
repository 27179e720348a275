// Copyright (C) 2025-2026 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/cardinalhq/leaserunner/ledger"
	"github.com/cardinalhq/leaserunner/ledger/migrations"
)

func init() {
	var databaseURL string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run outcome ledger migrations",
		RunE: func(_ *cobra.Command, _ []string) error {
			if databaseURL == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				databaseURL = cfg.Ledger.DatabaseURL
			}
			return migrateLedger(databaseURL)
		},
	}

	cmd.Flags().StringVar(&databaseURL, "database-url", "", "Ledger database URL (overrides ledger.database_url)")

	rootCmd.AddCommand(cmd)
}

func migrateLedger(configured string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	dbURL, err := ledger.DatabaseURL(configured)
	if err != nil {
		return err
	}
	pool, err := ledger.NewConnectionPool(ctx, dbURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	slog.Info("Running ledger migrations")
	if err := migrations.RunMigrationsUp(ctx, pool); err != nil {
		return fmt.Errorf("failed to migrate ledger: %w", err)
	}

	version, dirty, err := migrations.CurrentVersion(ctx, pool)
	if err != nil {
		return err
	}
	slog.Info("Ledger migrations completed", slog.Uint64("version", uint64(version)), slog.Bool("dirty", dirty))
	return nil
}
