package registry

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/Benny93/probecov/internal/idcfg"
	"github.com/Benny93/probecov/internal/storage"
)

// TraceLine is one recorded method activation: the storage key of the
// method followed by the probe ids it passed, in order.
type TraceLine struct {
	Key  string
	Path idcfg.Path
}

// ParseTraceLine parses "<storage-key> <id> <id> ...".
func ParseTraceLine(line string) (TraceLine, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return TraceLine{}, fmt.Errorf("empty trace line")
	}
	if _, _, err := storage.SplitKey(fields[0]); err != nil {
		return TraceLine{}, err
	}

	path, err := idcfg.ParsePath(fields[1:])
	if err != nil {
		return TraceLine{}, fmt.Errorf("trace for %s: %w", fields[0], err)
	}
	return TraceLine{Key: fields[0], Path: path}, nil
}

// ReplayResult summarizes a replayed trace.
type ReplayResult struct {
	Paths      int
	Newly      int
	Mismatches int
}

// Replay feeds every line of a trace through the registry, loading each
// method's class on first use the way instrumented code does. Blank lines
// and lines starting with '#' are skipped. The first malformed line or
// registry error stops the replay.
func (r *Registry) Replay(ctx context.Context, rd io.Reader) (ReplayResult, error) {
	var res ReplayResult

	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	lineNo := 0
	for sc.Scan() {
		lineNo++
		if err := ctx.Err(); err != nil {
			return res, err
		}

		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		tl, err := ParseTraceLine(text)
		if err != nil {
			return res, fmt.Errorf("line %d: %w", lineNo, err)
		}

		if err := r.Load(ctx, storage.GroupOf(tl.Key)); err != nil {
			return res, fmt.Errorf("line %d: %w", lineNo, err)
		}
		cr, err := r.ReportPath(tl.Key, tl.Path)
		if err != nil {
			return res, fmt.Errorf("line %d: %w", lineNo, err)
		}

		res.Paths++
		res.Newly += cr.Newly
		res.Mismatches += len(cr.Mismatches)
	}
	if err := sc.Err(); err != nil {
		return res, fmt.Errorf("reading trace: %w", err)
	}
	return res, nil
}
