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
	"os"
	"time"

	"github.com/spf13/cobra"
)

const pingTimeout = 5 * time.Second

// pingCmd represents the ping command.
var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the server is reachable.",
	Long: `Check that the server is reachable.

Exits 0 when the server answers its /ping endpoint, 1 otherwise.`,
	Run: func(cmd *cobra.Command, args []string) {
		client := newClient()
		defer func() { _ = client.Close() }()

		ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
		defer cancel()

		if !client.Ping(ctx) {
			warn("server is not responding")
			os.Exit(1)
		}

		info("OK")
	},
}

func init() {
	RootCmd.AddCommand(pingCmd)
}
