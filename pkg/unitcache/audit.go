package unitcache

import (
	"context"
	"errors"
	"fmt"
)

// AuditResult contains the results of auditing cache entries.
type AuditResult struct {
	Valid          bool     // true if every entry exists with a matching size
	Checked        int      // number of entries checked
	Missing        int      // entries with neither data nor sidecar
	Incomplete     int      // data without sidecar or sidecar without data
	SizeMismatches int      // entries whose stored size disagrees with the sidecar
	Invalid        []string // unit ids of every entry that is not valid
	Errors         []string // detailed error messages
}

// Audit checks that an entry exists for every ref and that its stored size
// matches its sidecar. It reads object attributes only, never payloads.
//
// Missing or inconsistent entries are NOT returned as errors. They are
// reported in the AuditResult with Valid=false. An error is returned only
// when the bucket cannot be queried or ctx is cancelled.
func (s *Store) Audit(ctx context.Context, refs []Ref) (*AuditResult, error) {
	result := &AuditResult{
		Valid:   true,
		Invalid: make([]string, 0),
		Errors:  make([]string, 0),
	}

	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result.Checked++

		_, err := s.Get(ctx, ref)
		switch {
		case err == nil:
			continue
		case errors.Is(err, ErrMiss):
			result.Missing++
		case errors.Is(err, ErrInvalid):
			if s.isSizeMismatch(ctx, ref) {
				result.SizeMismatches++
			} else {
				result.Incomplete++
			}
		default:
			return nil, fmt.Errorf("unitcache: audit %s: %w", ref.ID, err)
		}

		result.Valid = false
		result.Invalid = append(result.Invalid, ref.ID)
		result.Errors = append(result.Errors, fmt.Sprintf("unit %s: %v", ref.ID, err))
	}

	return result, nil
}

func (s *Store) isSizeMismatch(ctx context.Context, ref Ref) bool {
	key := s.Key(ref)
	entry, err := s.readMeta(ctx, key)
	if err != nil {
		return false
	}
	attrs, err := s.bucket.Attributes(ctx, key)
	return err == nil && attrs.Size != entry.Size
}

// Purge invalidates the entries of refs and returns how many existed.
func (s *Store) Purge(ctx context.Context, refs []Ref) (int, error) {
	purged := 0
	for _, ref := range refs {
		key := s.Key(ref)
		dataOK, err := s.bucket.Exists(ctx, key)
		if err != nil {
			return purged, fmt.Errorf("unitcache: stat %s: %w", key, err)
		}
		metaOK, err := s.bucket.Exists(ctx, metaKey(key))
		if err != nil {
			return purged, fmt.Errorf("unitcache: stat %s: %w", metaKey(key), err)
		}
		if !dataOK && !metaOK {
			continue
		}
		if err := s.Invalidate(ctx, ref); err != nil {
			return purged, err
		}
		purged++
	}
	return purged, nil
}
