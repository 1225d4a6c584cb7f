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

// package cmd is the cobra file that enables subcommands and handles
// command-line args.

package cmd

import (
	"bytes"
	"fmt"
	"os"

	"github.com/inconshreveable/log15"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/wtsi-hgi/go-clickhouse/clickhouse"
)

// appLogger is used for logging events in our commands.
var appLogger = log15.New()

// these variables are accessible by all subcommands.
var (
	connectionString string
	debug            bool
)

// envConnectionString is the environment variable consulted when --dsn is
// not given.
const envConnectionString = "CLICKHOUSE_DSN"

// RootCmd represents the base command when called without any subcommands.
var RootCmd = &cobra.Command{
	Use:   "go-clickhouse",
	Short: "go-clickhouse runs queries and bulk inserts against a ClickHouse server.",
	Long: `go-clickhouse runs queries and bulk inserts against a ClickHouse server.

The 'query' subcommand streams a SELECT's rows to a table on stdout.

The 'exec' subcommand runs a statement that produces no rows.

The 'insert' subcommand bulk loads TSV rows from stdin.

The 'ping' subcommand checks server liveness.

The server is located with --dsn, a semicolon-delimited key=value connection
string (eg. "Host=ch.example.com;Port=8443;Protocol=https;Database=mydb"),
or the CLICKHOUSE_DSN environment variable, which may also be supplied via a
.env file in the working directory.`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main(). It only needs to happen once
// to the rootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		die(err.Error())
	}
}

func init() {
	// set up logging to stderr
	setCLIFormat()

	// global flags
	RootCmd.PersistentFlags().StringVar(&connectionString,
		"dsn",
		"",
		"connection string (defaults to the CLICKHOUSE_DSN environment variable)")

	RootCmd.PersistentFlags().BoolVar(&debug,
		"debug",
		false,
		"log queries and transport events to stderr")
}

// newClient builds the client shared by all subcommands from the --dsn flag,
// the environment and any .env file.
func newClient() *clickhouse.Client {
	dsn := connectionString
	if dsn == "" {
		loadDotEnv()
		dsn = os.Getenv(envConnectionString)
	}

	settings, err := clickhouse.ParseSettings(dsn)
	if err != nil {
		die("invalid connection string: %s", err)
	}

	if debug {
		settings.Logger = appLogger
		appLogger.SetHandler(log15.LvlFilterHandler(log15.LvlDebug, log15.StderrHandler))
	}

	client, err := clickhouse.NewClient(settings)
	if err != nil {
		die("failed to create client: %s", err)
	}

	return client
}

// loadDotEnv pulls CLICKHOUSE_DSN from a .env file without overriding a
// value already present in the environment.
func loadDotEnv() {
	if _, ok := os.LookupEnv(envConnectionString); ok {
		return
	}

	env, err := godotenv.Read(".env")
	if err != nil {
		return
	}

	if val, ok := env[envConnectionString]; ok {
		_ = os.Setenv(envConnectionString, val)
	}
}

// setCLIFormat logs plain text log messages to STDERR.
func setCLIFormat() {
	appLogger.SetHandler(log15.StreamHandler(os.Stderr, cliFormat()))
}

// cliFormat returns a log15.Format that only prints the plain log msg.
func cliFormat() log15.Format { //nolint:ireturn
	return log15.FormatFunc(func(r *log15.Record) []byte {
		b := &bytes.Buffer{}
		fmt.Fprintf(b, "%s\n", r.Msg)

		return b.Bytes()
	})
}

// cliPrint outputs the message to STDOUT.
func cliPrint(msg string, a ...interface{}) {
	fmt.Fprintf(os.Stdout, msg, a...)
}

// info is a convenience to log a message at the Info level.
func info(msg string, a ...interface{}) {
	appLogger.Info(fmt.Sprintf(msg, a...))
}

// warn is a convenience to log a message at the Warn level.
func warn(msg string, a ...interface{}) {
	appLogger.Warn(fmt.Sprintf(msg, a...))
}

// die is a convenience to log a message at the Error level and exit non zero.
func die(msg string, a ...interface{}) {
	appLogger.Error(fmt.Sprintf(msg, a...))
	os.Exit(1)
}
