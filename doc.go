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

/*
Package chwire provides an HTTP client for ClickHouse-compatible servers.

# Client

Use NewConfig or ParseConfig to describe the endpoint and NewClient to
connect:

	cfg := chwire.NewConfig("http://localhost:8123")
	cfg.Password = "secret"
	c, err := chwire.NewClient(cfg, chwire.WithLogger(logger))
	if err != nil {
		return err
	}
	defer c.Close()

Requests lease a slot from a bounded connection pool and are retried on the
fault causes listed in Config.RetryCauses.

# Query Data

Create a Statement and query or execute it:

	s := c.Statement("SELECT number, toString(number) FROM numbers({n:UInt32})").Bind("n", "10")
	rows, err := s.Execute(ctx)

Responses in RowBinary formats can be iterated with Response.Rows; other
formats are read from the Response directly.

# Write Data

Insert encodes rows as RowBinary:

	_, err := c.Insert(ctx, tbl.Identifier(), []*rowbinary.Column{
		rowbinary.Named("id", rowbinary.NewUInt64()),
		rowbinary.Named("name", rowbinary.NewString()),
	}, [][]any{{uint64(1), "chwire"}}, nil)

RowCable batches rows in the background, InsertArrow sends Arrow record
batches and InsertStream sends data already in a server format.

# Compression

Responses and requests are compressed with the native block format (see
package compress) unless UseHTTPCompression selects Content-Encoding based
compression.
*/
package chwire
