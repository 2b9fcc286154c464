//go:build !sqlite

package storage

// newSQLiteStore stands in for the sqlite backend in builds without the
// sqlite tag.
func newSQLiteStore(string) (Store, error) {
	return nil, ErrSQLiteUnavailable
}
