/*******************************************************************************
 * Copyright (c) 2025 Genome Research Ltd.
 *
 * Permission is hereby granted, free of charge, to any person obtaining
 * a copy of this software and associated documentation files (the
 * "Software"), to deal in the Software without restriction, including
 * without limitation the rights to use, copy, modify, merge, publish,
 * distribute, sublicense, and/or sell copies of the Software, and to
 * permit persons to whom the Software is furnished to do so, subject to
 * the following conditions:
 *
 * The above copyright notice and this permission notice shall be included
 * in all copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND,
 * EXPRESS OR IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF
 * MERCHANTABILITY, FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT.
 * IN NO EVENT SHALL THE AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY
 * CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER IN AN ACTION OF CONTRACT,
 * TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN CONNECTION WITH THE
 * SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
 ******************************************************************************/

package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/wtsi-hgi/go-clickhouse/clickhouse"
)

// options for this cmd.
var (
	queryParams []string
	queryRaw    string
)

// queryCmd represents the query command.
var queryCmd = &cobra.Command{
	Use:   "query <sql>",
	Short: "Run a SELECT and print its rows.",
	Long: `Run a SELECT and print its rows as a table.

Bind {name:Type} placeholders with repeated --param name=value flags.

With --format, the server renders the result in that format (eg. JSONEachRow,
CSV, Pretty) and the raw bytes are streamed to stdout instead of a table.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := newClient()
		defer func() { _ = client.Close() }()

		opts := &clickhouse.QueryOptions{Parameters: parseParamFlags(queryParams)}

		if queryRaw != "" {
			runRawQuery(client, args[0], queryRaw, opts)

			return
		}

		runTableQuery(client, args[0], opts)
	},
}

func init() {
	RootCmd.AddCommand(queryCmd)

	// flags specific to this sub-command
	queryCmd.Flags().StringArrayVarP(&queryParams, "param", "p", nil,
		"bind a query parameter as name=value; repeatable")
	queryCmd.Flags().StringVar(&queryRaw, "format", "",
		"stream the raw response in this server-side format instead of a table")
}

// parseParamFlags turns repeated name=value flags into query parameters.
func parseParamFlags(flags []string) []clickhouse.Parameter {
	params := make([]clickhouse.Parameter, 0, len(flags))

	for _, flag := range flags {
		name, value, found := strings.Cut(flag, "=")
		if !found {
			die("bad --param %q: expected name=value", flag)
		}

		params = append(params, clickhouse.Parameter{Name: name, Value: value, Type: "String"})
	}

	return params
}

func runRawQuery(client *clickhouse.Client, sql, format string, opts *clickhouse.QueryOptions) {
	result, err := client.QueryRaw(context.Background(), sql, format, opts)
	if err != nil {
		die("query failed: %s", err)
	}

	defer func() { _ = result.Body.Close() }()

	if _, err := io.Copy(os.Stdout, result.Body); err != nil {
		die("failed to stream result: %s", err)
	}
}

func runTableQuery(client *clickhouse.Client, sql string, opts *clickhouse.QueryOptions) {
	rows, err := client.Query(context.Background(), sql, opts)
	if err != nil {
		die("query failed: %s", err)
	}

	defer func() { _ = rows.Close() }()

	table := prepareResultTable(rows)

	count := 0

	for rows.Next() {
		table.Append(rowStrings(rows))

		count++
	}

	if rows.Err() != nil {
		die("query failed mid-stream: %s", rows.Err())
	}

	table.Render()

	printQueryStats(rows, count)
}

// prepareResultTable creates a table with the result schema as the header
// that outputs to STDOUT.
func prepareResultTable(rows *clickhouse.Rows) *tablewriter.Table {
	table := tablewriter.NewWriter(os.Stdout)

	cols := rows.Columns()

	header := make([]string, len(cols))
	for i, col := range cols {
		header[i] = col.Name
	}

	table.SetHeader(header)

	return table
}

// rowStrings renders the current row's values for table display.
func rowStrings(rows *clickhouse.Rows) []string {
	out := make([]string, len(rows.Columns()))

	for i := range out {
		v := rows.Get(i)
		if v == nil {
			out[i] = "NULL"

			continue
		}

		out[i] = fmt.Sprintf("%v", v)
	}

	return out
}

func printQueryStats(rows *clickhouse.Rows, count int) {
	stats := rows.Stats()

	info("%d rows in set; read %s rows, %s; elapsed %s",
		count,
		humanize.Comma(int64(stats.ReadRows)), //nolint:gosec // display only
		humanize.IBytes(stats.ReadBytes),
		humanize.SI(float64(stats.ElapsedNs)/1e9, "s"))
}
