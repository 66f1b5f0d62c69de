package main

import (
	"context"
	"log/syslog"
	"os"
	"os/signal"
	"syscall"

	docopt "github.com/docopt/docopt-go"
	raven "github.com/getsentry/raven-go"
	mozlog "github.com/mozilla-services/go-mozlogrus"
	log "github.com/sirupsen/logrus"
	lSyslog "github.com/sirupsen/logrus/hooks/syslog"

	"github.com/scryptedgw/scryptedgw/config"
)

const version = "scrypted-gateway 1.0.0"

const usage = `Scrypted Gateway

Serves Scrypted servers under /api/<domain>/<token>/, where the token is the
one each server issues at login.

Usage:
  scrypted-gateway [--config=<file>] [--listen=<addr>] [--log-level=<level>]
  scrypted-gateway -h | --help
  scrypted-gateway --version

Environment:
 ENV (optional)          "production" for mozlog output
 SYSLOG_ADDR (optional)  address to which to send syslog output in production
 SENTRY_DSN (optional)   sentry project to which panics while serving are reported

Options:
--config=<file>       configuration file [default: gateway.yml]
--listen=<addr>       listen address, overriding the configuration file
--log-level=<level>   log level, overriding the configuration file
-h --help             Show help
--version             Show version`

func main() {
	arguments, _ := docopt.ParseArgs(usage, os.Args[1:], version)

	logger := log.New()
	if err := configureLogger(logger, os.Getenv("ENV"), os.Getenv("SYSLOG_ADDR")); err != nil {
		logger.Fatal(err)
	}

	conf, err := loadConfig(arguments)
	if err != nil {
		logger.Fatal(err)
	}
	level, _ := log.ParseLevel(conf.LogLevel)
	logger.SetLevel(level)

	gw, err := newGateway(conf, logger)
	if err != nil {
		logger.Fatal(err)
	}
	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		if err := raven.SetDSN(dsn); err != nil {
			logger.Fatal(err)
		}
		raven.SetRelease(version)
		gw.handler = reportPanics(gw.handler)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := gw.run(ctx); err != nil {
		logger.Fatal(err)
	}
}

func configureLogger(logger *log.Logger, env, syslogAddr string) error {
	if env != "production" {
		return nil
	}
	// add mozlog formatter
	logger.Formatter = &mozlog.MozLogFormatter{
		LoggerName: "scrypted-gateway",
	}

	// add syslog hook if addr is provided
	if syslogAddr != "" {
		hook, err := lSyslog.NewSyslogHook("udp", syslogAddr, syslog.LOG_DEBUG, "scrypted-gateway")
		if err != nil {
			return err
		}
		logger.Hooks.Add(hook)
	}
	return nil
}

// loadConfig reads the configuration file and applies command line
// overrides.
func loadConfig(arguments docopt.Opts) (*config.Config, error) {
	file, _ := arguments.String("--config")
	conf, err := config.Load(file)
	if err != nil {
		return nil, err
	}
	if listen, _ := arguments.String("--listen"); listen != "" {
		conf.Listen = listen
	}
	if level, _ := arguments.String("--log-level"); level != "" {
		conf.LogLevel = level
	}
	return conf, conf.Validate()
}
