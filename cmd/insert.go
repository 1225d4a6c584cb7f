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
	"bufio"
	"context"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/wtsi-hgi/go-clickhouse/clickhouse"
)

// options for this cmd.
var (
	insertColumns  string
	insertBatch    int
	insertParallel int
	insertDefaults bool
)

// insertCmd represents the insert command.
var insertCmd = &cobra.Command{
	Use:   "insert <table>",
	Short: "Bulk insert TSV rows from stdin.",
	Long: `Bulk insert TSV rows from stdin.

Each input line is one row of tab-separated values, aligned to --columns.
Integer-looking fields are sent as Int64, numeric fields as Float64 and
everything else as String, so the target columns must use matching types.
An empty field is sent as null.

Rows are posted in parallel batches; tune --batch-size and --parallel for
throughput.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if insertColumns == "" {
			die("--columns is required")
		}

		client := newClient()
		defer func() { _ = client.Close() }()

		runInsert(client, args[0])
	},
}

func init() {
	RootCmd.AddCommand(insertCmd)

	// flags specific to this sub-command
	insertCmd.Flags().StringVarP(&insertColumns, "columns", "c", "",
		"comma-separated target column names (required)")
	insertCmd.Flags().IntVarP(&insertBatch, "batch-size", "b", 10000,
		"rows per HTTP POST")
	insertCmd.Flags().IntVarP(&insertParallel, "parallel", "j", 2,
		"maximum in-flight POSTs")
	insertCmd.Flags().BoolVar(&insertDefaults, "with-defaults", false,
		"let the server fill defaulted columns missing from --columns")
}

func runInsert(client *clickhouse.Client, table string) {
	columns := strings.Split(insertColumns, ",")
	for i := range columns {
		columns[i] = strings.TrimSpace(columns[i])
	}

	format := clickhouse.FormatRowBinary
	if insertDefaults {
		format = clickhouse.FormatRowBinaryWithDefaults
	}

	start := time.Now()

	written, err := client.Insert(context.Background(), clickhouse.InsertPlan{
		Table:          table,
		Columns:        columns,
		Format:         format,
		BatchSize:      insertBatch,
		MaxParallelism: insertParallel,
	}, newTSVRowSource(os.Stdin, len(columns)))
	if err != nil {
		die("insert failed after %d rows: %s", written, err)
	}

	info("inserted %s rows in %s",
		humanize.Comma(written), time.Since(start).Round(time.Millisecond))
}

// tsvRowSource yields one row per tab-separated input line.
type tsvRowSource struct {
	scanner *bufio.Scanner
	columns int
	line    int
}

func newTSVRowSource(r io.Reader, columns int) *tsvRowSource {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)

	return &tsvRowSource{scanner: scanner, columns: columns}
}

func (s *tsvRowSource) Next() ([]any, error) {
	if !s.scanner.Scan() {
		if err := s.scanner.Err(); err != nil {
			return nil, err
		}

		return nil, io.EOF
	}

	s.line++

	fields := strings.Split(s.scanner.Text(), "\t")
	if len(fields) != s.columns {
		warn("line %d has %d fields, want %d; skipping", s.line, len(fields), s.columns)

		return s.Next()
	}

	row := make([]any, len(fields))

	for i, field := range fields {
		row[i] = tsvValue(field)
	}

	return row, nil
}

// tsvValue maps a TSV field onto the narrowest useful host value: empty
// means null, otherwise numbers are detected and everything else stays a
// string.
func tsvValue(field string) any {
	if field == "" {
		return nil
	}

	if i, err := strconv.ParseInt(field, 10, 64); err == nil {
		return i
	}

	if f, err := strconv.ParseFloat(field, 64); err == nil {
		return f
	}

	return field
}
