package types

import "errors"

var (
	// ErrInvalidTemplate marks a template body that is not a well-formed object.
	ErrInvalidTemplate = errors.New("invalid template")
	// ErrSchemaMismatch marks a relation payload that fails its schema.
	ErrSchemaMismatch = errors.New("schema mismatch")
	// ErrUnknownRelation marks an event for a relation that is not configured.
	ErrUnknownRelation = errors.New("unknown relation")
	// ErrClusterWrite is a transient failure writing to the cluster.
	ErrClusterWrite = errors.New("cluster write failed")
	// ErrClusterWriteFatal is raised once the retry budget of a namespace is spent.
	ErrClusterWriteFatal = errors.New("cluster write retry budget exhausted")
	// ErrWatchDisconnected marks a broken namespace watch.
	ErrWatchDisconnected = errors.New("namespace watch disconnected")
	// ErrNotOwned is returned when an object exists without the ownership marker.
	ErrNotOwned = errors.New("object exists and is not managed by resource-dispatcher")
)
