package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Camera operations, keyed by serial number.
	SaveCamera(cam *Camera) error
	GetCamera(serial string) (*Camera, error)
	DeleteCamera(serial string) error
	ListCameras() ([]*Camera, error)

	// UpdateCamera atomically reads, modifies, and saves a camera in a single
	// transaction. Returns ErrNotFound if the camera does not exist.
	UpdateCamera(serial string, fn func(cam *Camera) error) error

	// Command history, oldest entries pruned past the retention limit.
	RecordCommand(rec *CommandRecord) error
	RecentCommands(limit int) ([]*CommandRecord, error)

	Close() error
}
