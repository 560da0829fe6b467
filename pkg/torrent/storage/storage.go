package storage

// Writer assembles a finished file from its pieces. Pieces arrive in
// index order and must all be present.
type Writer interface {
	WriteFile(pieces [][]byte) error
}
