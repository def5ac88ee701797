// Command coredbd starts the storage core standalone: it loads
// configuration, opens a DatabaseEngine against a data directory, and
// blocks until signaled, so the transactional substrate can be
// exercised without the wire-protocol server layer (spec.md
// Non-goals: TCP session plumbing, SQL execution).
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/coredb/coredb/internal/catalog"
	"github.com/coredb/coredb/internal/conf"
	"github.com/coredb/coredb/internal/engine"
	"github.com/coredb/coredb/internal/logger"
)

// bootstrapParser satisfies catalog.Parser for a process that never
// reopens a database with existing SYS rows — e.g. first run against
// an empty data directory. Reconstructing catalog objects from SQL
// text is the SQL layer's job (Non-goals), so a real deployment wires
// its own Parser in here instead of this one.
type bootstrapParser struct{}

func (bootstrapParser) Parse(sql string) (catalog.Object, error) {
	return nil, &unsupportedParseError{sql: sql}
}

type unsupportedParseError struct{ sql string }

func (e *unsupportedParseError) Error() string {
	return "coredbd: no SQL parser wired in, cannot reconstruct catalog object from: " + e.sql
}

func main() {
	var (
		dataDir    = flag.String("data-dir", "./data", "database data directory")
		configPath = flag.String("config", "", "path to an INI config file (optional)")
		logLevel   = flag.String("log-level", "info", "log level: debug, info, warn, error")
	)
	flag.Parse()

	log := logger.New(logger.Config{
		InfoLogPath:  "",
		ErrorLogPath: "",
		Level:        *logLevel,
	})

	cfg := conf.Default()
	if *configPath != "" {
		loaded, err := conf.Load(*configPath)
		if err != nil {
			log.Errorf("coredbd: load config: %v", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	eng, err := engine.Open(cfg, log, *dataDir, bootstrapParser{})
	if err != nil {
		log.Errorf("coredbd: open engine: %v", err)
		os.Exit(1)
	}

	log.Infof("coredbd: ready, data dir %s", *dataDir)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Infof("coredbd: shutting down")
	if err := eng.Close(); err != nil {
		log.Errorf("coredbd: close engine: %v", err)
		os.Exit(1)
	}
}
