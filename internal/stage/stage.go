// Package stage copies the TPC-H benchmark tables onto the shared data
// volume before a cluster is started.
package stage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/ballast/internal/telemetry"
)

// Tables is the TPC-H table set.
var Tables = []string{"customer", "lineitem", "nation", "orders", "part", "partsupp", "region", "supplier"}

// FileName is the on-disk name of a table.
func FileName(table string) string { return table + ".tbl" }

// Source fetches one table into localPath. Implementations must leave no
// partial file at localPath on failure.
type Source interface {
	Fetch(ctx context.Context, table, localPath string) (int64, error)
}

// Report summarises a staging pass.
type Report struct {
	Fetched []string
	Skipped []string
	Bytes   int64
}

// Stager copies missing tables from Source into Dir.
type Stager struct {
	Source Source
	Dir    string
	Tables []string
}

// Stage fetches every table not already present in Dir, in order, and stops
// at the first failure.
func (s *Stager) Stage(ctx context.Context) (Report, error) {
	var rep Report
	if s.Source == nil {
		return rep, errors.New("stage: no source configured")
	}
	tables := s.Tables
	if len(tables) == 0 {
		tables = Tables
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return rep, fmt.Errorf("stage: mkdir %s: %w", s.Dir, err)
	}
	for _, table := range tables {
		local := filepath.Join(s.Dir, FileName(table))
		exists, err := present(local)
		if err != nil {
			return rep, err
		}
		if exists {
			log.Info().Str("path", local).Msg("Table already staged")
			rep.Skipped = append(rep.Skipped, table)
			continue
		}
		start := time.Now()
		n, err := s.Source.Fetch(ctx, table, local)
		telemetry.TimerGlobal("stage_fetch_duration_seconds", time.Since(start), map[string]string{"table": table})
		if err != nil {
			telemetry.CounterGlobal("stage_fetch_failures_total", 1, map[string]string{"table": table})
			return rep, fmt.Errorf("stage %s: %w", table, err)
		}
		telemetry.CounterGlobal("stage_bytes_total", float64(n), map[string]string{"table": table})
		log.Info().Str("table", table).Str("size", humanize.Bytes(uint64(n))).Dur("took", time.Since(start)).Msg("Table staged")
		rep.Fetched = append(rep.Fetched, table)
		rep.Bytes += n
	}
	return rep, nil
}

func present(path string) (bool, error) {
	_, err := os.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	}
	return false, fmt.Errorf("stage: stat %s: %w", path, err)
}
