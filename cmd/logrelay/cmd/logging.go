package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/client9/reopen"
	log "github.com/sirupsen/logrus"
)

func parseLevel(level string) (log.Level, error) {
	switch strings.ToLower(level) {
	case "trace":
		return log.TraceLevel, nil
	case "debug":
		return log.DebugLevel, nil
	case "info":
		return log.InfoLevel, nil
	case "warn":
		return log.WarnLevel, nil
	case "error":
		return log.ErrorLevel, nil
	case "fatal":
		return log.FatalLevel, nil
	case "panic":
		return log.PanicLevel, nil
	default:
		return log.InfoLevel, fmt.Errorf("log level can be trace, debug, info, warn, error, fatal or panic but not %s", level)
	}
}

func parseFormat(format string) (log.Formatter, error) {
	switch strings.ToLower(format) {
	case "json":
		return &log.JSONFormatter{}, nil
	case "text":
		return &log.TextFormatter{}, nil
	default:
		return nil, fmt.Errorf("log format can be json or text but not %s", format)
	}
}

// setupLogging configures logrus. When logging to a file, the returned
// writer is reopened on SIGHUP so the file can be rotated.
func setupLogging(level, format, file string) (*reopen.FileWriter, error) {

	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	formatter, err := parseFormat(format)
	if err != nil {
		return nil, err
	}

	log.SetLevel(lvl)
	log.SetFormatter(formatter)

	if file == "" || strings.ToLower(file) == "stdout" {
		log.SetOutput(os.Stdout)
		return nil, nil
	}

	fw, err := reopen.NewFileWriter(file)
	if err != nil {
		return nil, fmt.Errorf("cannot log to %s: %w", file, err)
	}

	log.SetOutput(fw)

	return fw, nil
}

// reopenOnHangup reopens fw each time the process receives SIGHUP, until
// closed is closed
func reopenOnHangup(fw *reopen.FileWriter, closed <-chan struct{}) {

	if fw == nil {
		return
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)

	go func() {
		defer signal.Stop(hup)
		for {
			select {
			case <-closed:
				return
			case <-hup:
				if err := fw.Reopen(); err != nil {
					fmt.Fprintf(os.Stderr, "cannot reopen log file: %s\n", err.Error())
					continue
				}
				log.Info("SIGHUP detected, reopened log file")
			}
		}
	}()
}

// splitList turns "a, b,,c" into [a b c]
func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}
