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

package ledger

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgx-contrib/pgxotel"
)

var ErrDatabaseNotConfigured = errors.New("ledger database connection configuration is unavailable")

// DatabaseURL returns configured when it is set. Otherwise it builds a
// PostgreSQL URL from LEDGER_HOST, LEDGER_PORT, LEDGER_USER,
// LEDGER_PASSWORD, LEDGER_DBNAME and LEDGER_SSLMODE.
func DatabaseURL(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}

	host := os.Getenv("LEDGER_HOST")
	dbname := os.Getenv("LEDGER_DBNAME")
	var missing []string
	if host == "" {
		missing = append(missing, "LEDGER_HOST")
	}
	if dbname == "" {
		missing = append(missing, "LEDGER_DBNAME")
	}
	if len(missing) > 0 {
		return "", errors.Join(ErrDatabaseNotConfigured,
			fmt.Errorf("missing required environment variable(s): %s", strings.Join(missing, ", ")))
	}

	port := os.Getenv("LEDGER_PORT")
	if port == "" {
		port = "5432"
	}

	u := &url.URL{
		Scheme: "postgresql",
		Host:   host + ":" + port,
		Path:   dbname,
	}
	if user := os.Getenv("LEDGER_USER"); user != "" {
		if pass := os.Getenv("LEDGER_PASSWORD"); pass != "" {
			u.User = url.UserPassword(user, pass)
		} else {
			u.User = url.User(user)
		}
	}

	q := u.Query()
	if sslmode := os.Getenv("LEDGER_SSLMODE"); sslmode != "" {
		q.Set("sslmode", sslmode)
	}
	if appName := os.Getenv("OTEL_SERVICE_NAME"); appName != "" {
		q.Set("application_name", sanitizeAppName(appName))
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

func sanitizeAppName(name string) string {
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '-' || r == '_' {
			return r
		}
		return '_'
	}, name)
	if len(name) > 63 {
		name = name[:63]
	}
	return name
}

// NewConnectionPool opens a traced pgx pool for the ledger database.
func NewConnectionPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ledger database URL: %w", err)
	}

	cfg.ConnConfig.Tracer = &pgxotel.QueryTracer{
		Name: "ledger",
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create ledger connection pool: %w", err)
	}
	return pool, nil
}
