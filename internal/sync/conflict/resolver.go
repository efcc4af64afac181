// Package conflict decides which version of a document survives when the
// local and remote copies were both modified.
package conflict

import (
	"github.com/kimhsiao/stockledger/internal/clock"
	"github.com/kimhsiao/stockledger/internal/logging"
	"github.com/kimhsiao/stockledger/internal/models"
)

// Side identifies which copy won.
type Side string

const (
	SideLocal  Side = "local"
	SideRemote Side = "remote"
)

// Decide applies last-writer-wins by LastModified. Ties go to the local copy.
func Decide(localTimestamp, remoteTimestamp int64) Side {
	if localTimestamp >= remoteTimestamp {
		return SideLocal
	}
	return SideRemote
}

// Resolver resolves concurrent edits with last-writer-wins.
type Resolver struct {
	clock  clock.Clock
	logger *logging.Logger
}

// NewResolver creates a Resolver. Nil arguments use the system clock and
// the global logger.
func NewResolver(c clock.Clock, logger *logging.Logger) *Resolver {
	if c == nil {
		c = clock.System{}
	}
	if logger == nil {
		logger = logging.Get()
	}
	return &Resolver{clock: c, logger: logger.Named("conflict")}
}

// Conflict is a document modified on both sides.
type Conflict struct {
	Collection string
	Local      *models.Document
	Remote     *models.Document
}

// ResolveResult is the outcome of resolving a Conflict.
type ResolveResult struct {
	Winner      Side
	Winning     *models.Document
	Losing      *models.Document
	ConflictLog *models.ConflictLog
}

// Resolve picks the winning copy and builds the conflict-log entry.
func (r *Resolver) Resolve(c *Conflict) (*ResolveResult, error) {
	if c == nil || c.Local == nil || c.Remote == nil {
		return nil, ErrInvalidConflict
	}
	if c.Local.ID != c.Remote.ID {
		return nil, ErrItemIDMismatch
	}

	result := &ResolveResult{Winner: Decide(c.Local.LastModified, c.Remote.LastModified)}
	resolution := models.ResolutionLocalWins
	if result.Winner == SideLocal {
		result.Winning, result.Losing = c.Local, c.Remote
	} else {
		result.Winning, result.Losing = c.Remote, c.Local
		resolution = models.ResolutionRemoteWins
	}

	result.ConflictLog = &models.ConflictLog{
		Collection:      c.Collection,
		DocumentID:      c.Local.ID,
		LocalTimestamp:  c.Local.LastModified,
		RemoteTimestamp: c.Remote.LastModified,
		Resolution:      resolution,
		DetectedAt:      r.clock.Now().UnixMilli(),
	}

	r.logger.Info("Conflict resolved using last-write-wins",
		map[string]interface{}{
			"collection":       c.Collection,
			"document_id":      c.Local.ID,
			"winner_side":      result.Winner,
			"local_timestamp":  c.Local.LastModified,
			"remote_timestamp": c.Remote.LastModified,
		})

	return result, nil
}

// Errors
var (
	ErrInvalidConflict = &ConflictError{Message: "invalid conflict: both documents must be non-nil"}
	ErrItemIDMismatch  = &ConflictError{Message: "document ID mismatch"}
)

// ConflictError represents a conflict resolution error.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// IsConflictError checks if an error is a ConflictError.
func IsConflictError(err error) bool {
	_, ok := err.(*ConflictError)
	return ok
}
