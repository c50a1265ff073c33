/*
   logrelay shares one log source among many browsers
   Copyright (C) 2024 Timothy Drysdale <timothy.d.drysdale@gmail.com>

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU Affero General Public License as
   published by the Free Software Foundation, either version 3 of the
   License, or (at your option) any later version.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU Affero General Public License for more details.

   You should have received a copy of the GNU Affero General Public License
   along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"sync"

	"github.com/kelseyhightower/envconfig"
	"github.com/practable/logrelay/internal/logsource"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var sourceCmd = &cobra.Command{
	Use:   "source",
	Short: "serve loki pod logs to the relay",
	Long: `Source polls the loki query_range endpoint for pod logs and sends new lines
as log_data events to each websocket connection at /logs. A connection can
choose namespaces with update_namespaces. Set parameters with environment
variables, for example:

export LOGSOURCE_DEFAULT_NAMESPACES=default
export LOGSOURCE_INTERVAL=5s
export LOGSOURCE_LIMIT=300
export LOGSOURCE_LISTEN=8081
export LOGSOURCE_LOG_FILE=stdout
export LOGSOURCE_LOG_FORMAT=json
export LOGSOURCE_LOG_LEVEL=warn
export LOGSOURCE_LOKI_URL=http://loki.loki.svc.cluster.local:3100/loki/api/v1/query_range
export LOGSOURCE_LOOKBACK=1h
logrelay source
`,
	Run: func(cmd *cobra.Command, args []string) {

		var config logsource.Config

		// load configuration from environment variables LOGSOURCE_<var>
		if err := envconfig.Process("logsource", &config); err != nil {
			fmt.Println("Configuration failed: " + err.Error())
			os.Exit(1)
		}

		if config.Interval <= 0 || config.Limit < 1 {
			fmt.Println("LOGSOURCE_INTERVAL and LOGSOURCE_LIMIT must be positive")
			os.Exit(1)
		}

		fw, err := setupLogging(config.LogLevel, config.LogFormat, config.LogFile)
		if err != nil {
			fmt.Println("LOGSOURCE_LOG_*: " + err.Error())
			os.Exit(1)
		}

		log.Infof("logrelay version: %s", versionString())
		log.Infof("Default namespaces: %v", config.DefaultNamespaces)
		log.Infof("Interval: [%s]", config.Interval)
		log.Infof("Limit: [%d]", config.Limit)
		log.Infof("Listen: [%d]", config.Listen)
		log.Infof("Loki: [%s]", config.LokiURL)
		log.Infof("Lookback: [%s]", config.Lookback)

		var wg sync.WaitGroup

		closed := make(chan struct{})

		reopenOnHangup(fw, closed)

		c := make(chan os.Signal, 1)

		signal.Notify(c, os.Interrupt)

		go func() {
			for range c {
				close(closed)
				wg.Wait()
				os.Exit(0)
			}
		}()

		wg.Add(1)

		go logsource.Serve(closed, &wg, config)

		wg.Wait()
	},
}

func init() {
	rootCmd.AddCommand(sourceCmd)
}
