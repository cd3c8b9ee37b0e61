package loader

import "fmt"

// FetchError is returned to every handle of a loader generation whose store
// call failed. Other loaders in the same request are unaffected.
type FetchError struct {
	Key Key
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("load %s.%s: %v", e.Key.Entity, e.Key.Relationship, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// CancellationError is returned to outstanding handles when the request
// context ends or the cache is closed before their loader produced results.
type CancellationError struct {
	Err error
}

func (e *CancellationError) Error() string {
	if e.Err == nil {
		return "relationship load cancelled"
	}
	return fmt.Sprintf("relationship load cancelled: %v", e.Err)
}

func (e *CancellationError) Unwrap() error {
	return e.Err
}
