//go:build !protogen

package directory

import "context"

// Client resolves patient records against the practice-management system.
type Client interface {
	PatientExists(ctx context.Context, id string) (bool, error)
}

// NewClient returns nil without generated gRPC code; the engine treats a nil
// directory as "trust the caller's patient IDs".
func NewClient(_ string) (Client, error) {
	return nil, nil
}
