// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package postgresql stores instrumentation records in a PostgreSQL
// table.
package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/computefarm/lbas/lib/metricstore"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	// sqlx needs lib/pq to talk to PostgreSQL
	_ "github.com/lib/pq"
)

// Driver is the PostgreSQL implementation of metricstore.Driver.
var Driver = metricstore.DriverFunc(newStore)

var validTableName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

type storeConfig struct {
	// libpq connection parameters, e.g. {"host": "localhost",
	// "dbname": "lbas", "user": "lbas", "password": "xyzzy"}.
	Connection Connection
	Table      string
}

// Connection holds libpq connection parameters.
type Connection map[string]string

// String returns the parameters in libpq "key='value' ..." form.
func (c Connection) String() string {
	var keys []string
	for k, v := range c {
		if v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	var parts []string
	for _, k := range keys {
		v := strings.Replace(strings.Replace(c[k], `\`, `\\`, -1), `'`, `\'`, -1)
		parts = append(parts, strings.ToLower(k)+"='"+v+"'")
	}
	return strings.Join(parts, " ")
}

type store struct {
	db     *sqlx.DB
	table  string
	logger logrus.FieldLogger
}

func newStore(ctx context.Context, conf json.RawMessage, logger logrus.FieldLogger) (metricstore.Store, error) {
	var sc storeConfig
	if len(conf) > 0 {
		if err := json.Unmarshal(conf, &sc); err != nil {
			return nil, err
		}
	}
	if sc.Table == "" {
		sc.Table = "metrics"
	}
	if !validTableName.MatchString(sc.Table) {
		return nil, fmt.Errorf("invalid table name %q", sc.Table)
	}
	db, err := sqlx.Open("postgres", sc.Connection.String())
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgresql connect: %w", err)
	}
	st := &store{db: db, table: sc.Table, logger: logger}
	if err := st.ensureTable(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return st, nil
}

func (st *store) ensureTable(ctx context.Context) error {
	_, err := st.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+st.table+` (
		game text NOT NULL,
		parameters text NOT NULL,
		nblocks bigint NOT NULL DEFAULT 0,
		nmethod bigint NOT NULL DEFAULT 0,
		ninsts bigint NOT NULL DEFAULT 0,
		complexity bigint NOT NULL,
		PRIMARY KEY (game, parameters))`)
	if err != nil {
		return fmt.Errorf("create table %s: %w", st.table, err)
	}
	return nil
}

func (st *store) Get(ctx context.Context, workload, key string) (int64, error) {
	var complexity int64
	err := st.db.GetContext(ctx, &complexity,
		`SELECT complexity FROM `+st.table+` WHERE game=$1 AND parameters=$2`,
		workload, key)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, metricstore.ErrNotFound
	}
	return complexity, err
}

func (st *store) Put(ctx context.Context, rec metricstore.Record) error {
	_, err := st.db.NamedExecContext(ctx, `INSERT INTO `+st.table+`
		(game, parameters, nblocks, nmethod, ninsts, complexity)
		VALUES (:game, :parameters, :nblocks, :nmethod, :ninsts, :complexity)
		ON CONFLICT (game, parameters) DO UPDATE SET
		nblocks=EXCLUDED.nblocks, nmethod=EXCLUDED.nmethod,
		ninsts=EXCLUDED.ninsts, complexity=EXCLUDED.complexity`,
		row{
			Game:       rec.Workload,
			Parameters: rec.Parameters,
			NBlocks:    rec.Blocks,
			NMethod:    rec.Methods,
			NInsts:     rec.Instructions,
			Complexity: rec.Complexity,
		})
	return err
}

type row struct {
	Game       string `db:"game"`
	Parameters string `db:"parameters"`
	NBlocks    int64  `db:"nblocks"`
	NMethod    int64  `db:"nmethod"`
	NInsts     int64  `db:"ninsts"`
	Complexity int64  `db:"complexity"`
}
