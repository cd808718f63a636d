package schema

import "errors"

var (
	// ErrInvalidRequest indicates a malformed request payload.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInvalidUser indicates an invalid user identifier.
	ErrInvalidUser = errors.New("invalid user")
	// ErrInvalidDevice indicates an unknown device type.
	ErrInvalidDevice = errors.New("invalid device type")
	// ErrInvalidTabName indicates an empty or placeholder tab name.
	ErrInvalidTabName = errors.New("invalid tab name")
	// ErrTabNotFound indicates a requested tab could not be found.
	ErrTabNotFound = errors.New("tab not found")
	// ErrTabNotClosable indicates a delete was attempted on a non-closable tab.
	ErrTabNotClosable = errors.New("tab is not closable")
	// ErrComponentNotFound indicates a requested component could not be found.
	ErrComponentNotFound = errors.New("component not found")
	// ErrBadGeometry indicates component geometry outside the allowed bounds.
	ErrBadGeometry = errors.New("component geometry out of bounds")
	// ErrBadOrder indicates a reorder request that is not a permutation of the
	// existing tab ids.
	ErrBadOrder = errors.New("order is not a permutation of existing tabs")
	// ErrLocked indicates a structural edit while editing is locked.
	ErrLocked = errors.New("editing is locked")
	// ErrNotFound indicates a store is reachable but holds no document.
	ErrNotFound = errors.New("config not found")
	// ErrUnavailable indicates a store tier is unreachable.
	ErrUnavailable = errors.New("store unavailable")
	// ErrConflict indicates a save raced a newer write. The save still wins;
	// callers use this to flag the overwrite, never to fail it.
	ErrConflict = errors.New("config version conflict")
)
