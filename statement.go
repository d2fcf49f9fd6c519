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

package chwire

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Statement is a SQL statement to be sent to the server.
type Statement struct {
	c *Client

	stmt string

	// ID of the statement.
	//
	// If provided, the server reports the statement under this query ID;
	// otherwise a random UUID is generated for every submission.
	ID *uuid.UUID
	// ExecTimeout is the maximum time for statement execution, sent as
	// max_execution_time with second precision.
	//
	// Zero falls back to the client configuration.
	ExecTimeout time.Duration
	// Format is the output format of the result.
	Format string
	// Parameters are bound to {name:Type} placeholders.
	Parameters map[string]string
	// Settings are server settings for this statement.
	Settings map[string]string
}

// Statement creates a new statement with the given SQL.
func (c *Client) Statement(stmt string) *Statement {
	return &Statement{
		c:      c,
		stmt:   stmt,
		Format: FormatRowBinaryWithNamesAndTypes,
	}
}

// Bind sets a query parameter and returns the statement.
func (s *Statement) Bind(name, value string) *Statement {
	if s.Parameters == nil {
		s.Parameters = make(map[string]string)
	}
	s.Parameters[name] = value
	return s
}

func (s *Statement) settings() *QuerySettings {
	qs := &QuerySettings{
		Format:     s.Format,
		Parameters: s.Parameters,
		Settings:   s.Settings,
	}
	if s.ID != nil {
		qs.QueryID = s.ID.String()
	}
	if s.ExecTimeout > 0 {
		settings := make(map[string]string, len(s.Settings)+1)
		for k, v := range s.Settings {
			settings[k] = v
		}
		settings[KeyMaxExecutionTime] = formatSeconds(s.ExecTimeout)
		qs.Settings = settings
	}
	return qs
}

// Submit sends the statement in the background.
func (s *Statement) Submit(ctx context.Context) *QueryHandle {
	return s.c.Submit(ctx, s.stmt, s.settings())
}

// Query sends the statement and returns the streamed response.
func (s *Statement) Query(ctx context.Context) (*Response, error) {
	return s.c.Query(ctx, s.stmt, s.settings())
}

// Execute sends the statement and reads every row of the result.
func (s *Statement) Execute(ctx context.Context) ([][]any, error) {
	resp, err := s.Query(ctx)
	if err != nil {
		return nil, err
	}
	return resp.ReadAll()
}

// Exec sends the statement and discards its result.
func (s *Statement) Exec(ctx context.Context) (*Summary, error) {
	return s.c.Execute(ctx, s.stmt, s.settings())
}
