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
	"net/http"
	_ "net/http/pprof" //ok in production https://medium.com/google-cloud/continuous-profiling-of-go-programs-96d4416af77b
	"os"
	"os/signal"
	"strconv"
	"sync"
	"time"

	"github.com/practable/logrelay/internal/reconws"
	"github.com/practable/logrelay/internal/server"
	log "github.com/sirupsen/logrus"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "relay logs from one upstream source to many browsers",
	Long: `Serve accepts browser websocket connections at /logs and relays log_data
events from a single upstream source, which is connected only while at least
one browser is subscribed. Set parameters with environment variables, for example:

export LOGRELAY_DEFAULT_NAMESPACES=default
export LOGRELAY_LISTEN=8080
export LOGRELAY_LOG_FILE=stdout
export LOGRELAY_LOG_FORMAT=json
export LOGRELAY_LOG_LEVEL=warn
export LOGRELAY_PORT_PROFILE=6061
export LOGRELAY_PROFILE=false
export LOGRELAY_RETRY_MAX=10s
export LOGRELAY_RETRY_MIN=1s
export LOGRELAY_SEND_BUFFER=64
export LOGRELAY_UPSTREAM=ws://localhost:8081/logs
logrelay serve

Notes:
LOGRELAY_DEFAULT_NAMESPACES is comma separated; an empty filter shows every namespace
LOGRELAY_RETRY_MIN and LOGRELAY_RETRY_MAX bound the wait between upstream reconnection attempts
`,
	Run: func(cmd *cobra.Command, args []string) {

		viper.SetEnvPrefix("LOGRELAY")
		viper.AutomaticEnv()

		viper.SetDefault("default_namespaces", "default")
		viper.SetDefault("listen", 8080)
		viper.SetDefault("log_file", "stdout")
		viper.SetDefault("log_format", "json")
		viper.SetDefault("log_level", "warn")
		viper.SetDefault("port_profile", 6061)
		viper.SetDefault("profile", false)
		viper.SetDefault("retry_max", "10s")
		viper.SetDefault("retry_min", "1s")
		viper.SetDefault("send_buffer", 64)
		viper.SetDefault("upstream", "") //so we can check it's been provided

		defaultNamespaces := splitList(viper.GetString("default_namespaces"))
		listen := viper.GetInt("listen")
		logFile := viper.GetString("log_file")
		logFormat := viper.GetString("log_format")
		logLevel := viper.GetString("log_level")
		portProfile := viper.GetInt("port_profile")
		profile := viper.GetBool("profile")
		retryMaxStr := viper.GetString("retry_max")
		retryMinStr := viper.GetString("retry_min")
		sendBuffer := viper.GetInt("send_buffer")
		upstream := viper.GetString("upstream")

		// Sanity checks
		ok := true

		if upstream == "" {
			fmt.Println("You must set LOGRELAY_UPSTREAM")
			ok = false
		} else if _, err := reconws.CheckURL(upstream); err != nil {
			fmt.Printf("LOGRELAY_UPSTREAM is not a websocket url: %s\n", err.Error())
			ok = false
		}

		if sendBuffer < 1 {
			fmt.Println("LOGRELAY_SEND_BUFFER must be at least 1")
			ok = false
		}

		// parse durations

		retryMin, err := time.ParseDuration(retryMinStr)
		if err != nil {
			fmt.Println("cannot parse duration in LOGRELAY_RETRY_MIN=" + retryMinStr)
			ok = false
		}

		retryMax, err := time.ParseDuration(retryMaxStr)
		if err != nil {
			fmt.Println("cannot parse duration in LOGRELAY_RETRY_MAX=" + retryMaxStr)
			ok = false
		}

		if ok && retryMax < retryMin {
			fmt.Println("LOGRELAY_RETRY_MAX must not be less than LOGRELAY_RETRY_MIN")
			ok = false
		}

		if !ok {
			os.Exit(1)
		}

		// set up logging
		fw, err := setupLogging(logLevel, logFormat, logFile)
		if err != nil {
			fmt.Println("LOGRELAY_LOG_*: " + err.Error())
			os.Exit(1)
		}

		// Report useful info
		log.Infof("logrelay version: %s", versionString())
		log.Infof("Default namespaces: %v", defaultNamespaces)
		log.Infof("Listen: [%d]", listen)
		log.Infof("Log file: [%s]", logFile)
		log.Infof("Log format: [%s]", logFormat)
		log.Infof("Log level: [%s]", logLevel)
		log.Infof("Port for profile: [%d]", portProfile)
		log.Infof("Profiling is on: [%t]", profile)
		log.Infof("Retry: [%s - %s]", retryMin, retryMax)
		log.Infof("Send buffer: [%d]", sendBuffer)
		log.Infof("Upstream: [%s]", upstream)

		// Optionally start the profiling server
		if profile {
			go func() {
				url := "localhost:" + strconv.Itoa(portProfile)
				err := http.ListenAndServe(url, nil)
				if err != nil {
					log.WithField("error", err).Error("profiling server stopped")
				}
			}()
		}

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

		retry := reconws.DefaultRetryConfig()
		retry.Min = retryMin
		retry.Max = retryMax

		config := server.Config{
			Listen:            listen,
			Upstream:          upstream,
			DefaultNamespaces: defaultNamespaces,
			SendBuffer:        sendBuffer,
			Retry:             retry,
			ReopenMin:         retryMin,
			ReopenMax:         retryMax,
		}

		wg.Add(1)

		go server.Serve(closed, &wg, config)

		wg.Wait()

	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
