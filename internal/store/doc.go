// Package store provides session-partitioned persistence for the shared
// research workspace: append-only notes, version-stamped draft sections,
// a forward-only task list, and pending questions. Draft sections use
// optimistic concurrency so racing writers never silently clobber each
// other; one writer wins, the rest get ErrVersionConflict and retry.
package store
