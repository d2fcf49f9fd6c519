/*
 * Copyright 2026 The chwire Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package itcases

import (
	"context"
	"fmt"
	"testing"

	"github.com/gkampitakis/go-snaps/snaps"
	"github.com/stretchr/testify/require"

	"github.com/chwire/chwire-go/rowbinary"
)

func TestTableColumns(t *testing.T) {
	c := NewClient(t)
	defer c.Close()

	ctx := context.Background()
	tbl := c.Table(RandomName(t))
	_, err := c.Statement(fmt.Sprintf(`
		CREATE TABLE %s (
			i Int64,
			u UInt32,
			f Float64,
			s String,
			b Bool,
			ts DateTime64(3, 'UTC'),
			tags Array(LowCardinality(String)),
			attrs Map(String, Nullable(Int32))
		) ENGINE = MergeTree ORDER BY i
	`, tbl.Identifier())).Exec(ctx)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, tbl.Drop(ctx))
	}()

	cols, err := tbl.Columns(ctx)
	require.NoError(t, err)

	names := make([]string, 0, len(cols))
	types := make([]rowbinary.Type, 0, len(cols))
	for _, col := range cols {
		names = append(names, col.Name)
		types = append(types, col.Type)
	}
	snaps.MatchSnapshot(t, names, types)
}

func TestInsertAndSelect(t *testing.T) {
	c := NewClient(t)
	defer c.Close()

	ctx := context.Background()
	tbl := c.Table(RandomName(t))
	_, err := c.Statement(fmt.Sprintf(`
		CREATE TABLE %s (id UInt64, name String, score Nullable(Float64))
		ENGINE = MergeTree ORDER BY id
	`, tbl.Identifier())).Exec(ctx)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, tbl.Drop(ctx))
	}()

	cols, err := tbl.Columns(ctx)
	require.NoError(t, err)

	summary, err := tbl.Insert(ctx, cols, [][]any{
		{uint64(1), "tison", 0.5},
		{uint64(2), "chwire", nil},
	}, nil)
	require.NoError(t, err)
	require.EqualValues(t, 2, summary.WrittenRows)

	rows, err := c.Statement(fmt.Sprintf(`SELECT * FROM %s ORDER BY id`, tbl.Identifier())).Execute(ctx)
	require.NoError(t, err)
	snaps.MatchSnapshot(t, rows)
}
