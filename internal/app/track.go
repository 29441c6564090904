package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"

	"case-monitor/internal/storage"
)

// TrackResult reports one registration.
type TrackResult struct {
	Entity  storage.MonitoredEntity
	Created bool
}

// Track registers references for monitoring. Already monitored references are reported, not duplicated.
// New entities start UNASSIGNED and are picked up by the next dispatch cycle.
func (a *App) Track(ctx context.Context, opts TrackOptions) ([]TrackResult, error) {
	refs := append([]string(nil), opts.Refs...)
	if opts.File != "" {
		fromFile, err := readRefsFile(opts.File)
		if err != nil {
			return nil, err
		}
		refs = append(refs, fromFile...)
	}
	refs = dedupeRefs(refs)
	if len(refs) == 0 {
		return nil, errors.New("no references given; pass them as arguments or with --file")
	}
	if opts.Source == "" {
		return nil, errors.New("--source is required")
	}

	if opts.DryRun {
		a.Logger.Warn().Int("refs", len(refs)).Msg("track dry-run: nothing is written")
		results := make([]TrackResult, 0, len(refs))
		for _, ref := range refs {
			results = append(results, TrackResult{Entity: storage.MonitoredEntity{
				ExternalRef: ref,
				Source:      opts.Source,
				TenantID:    opts.TenantID,
				Mode:        storage.ModeUnassigned,
			}})
		}
		return results, nil
	}

	store, closeStore, err := a.requireStore(ctx, "track")
	if err != nil {
		return nil, err
	}
	defer closeStore()

	return a.registerRefs(ctx, store, refs, opts)
}

func (a *App) registerRefs(ctx context.Context, store storage.EntityStore, refs []string, opts TrackOptions) ([]TrackResult, error) {
	results := make([]TrackResult, 0, len(refs))
	failed := 0
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		entity, created, err := store.RegisterEntity(ctx, storage.MonitoredEntity{
			ID:          uuid.NewString(),
			ExternalRef: ref,
			Source:      opts.Source,
			TenantID:    opts.TenantID,
		})
		if err != nil {
			failed++
			a.Logger.Error().Err(err).Str("ref", ref).Msg("register entity failed")
			continue
		}
		if created {
			a.Logger.Info().Str("entity_id", entity.ID).Str("ref", ref).Msg("entity registered")
		}
		results = append(results, TrackResult{Entity: entity, Created: created})
	}
	if failed > 0 {
		return results, fmt.Errorf("%d of %d references could not be registered", failed, len(refs))
	}
	return results, nil
}

func readRefsFile(path string) ([]string, error) {
	if path == "-" {
		return parseRefs(os.Stdin)
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open refs file: %w", err)
	}
	defer file.Close()
	return parseRefs(file)
}

// parseRefs reads one reference per line. Blank lines and lines starting with # are skipped.
func parseRefs(r io.Reader) ([]string, error) {
	var refs []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		refs = append(refs, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read refs: %w", err)
	}
	return refs, nil
}

func dedupeRefs(refs []string) []string {
	seen := make(map[string]struct{}, len(refs))
	out := refs[:0]
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		out = append(out, ref)
	}
	return out
}
