//go:build protogen

package directory

import (
	"context"
	"time"

	"github.com/chairsidehq/scheduling/libs/grpcx"
	directoryv1 "github.com/chairsidehq/scheduling/protos/gen/directory/v1"
)

// Client resolves patient records against the practice-management system.
type Client interface {
	PatientExists(ctx context.Context, id string) (bool, error)
}

type grpcClient struct {
	client directoryv1.DirectoryServiceClient
}

func NewClient(addr string) (Client, error) {
	if addr == "" {
		return nil, nil
	}
	conn, err := grpcx.Dial(context.Background(), addr, grpcx.DialOptions{Timeout: 3 * time.Second})
	if err != nil {
		return nil, err
	}
	return &grpcClient{client: directoryv1.NewDirectoryServiceClient(conn)}, nil
}

func (c *grpcClient) PatientExists(ctx context.Context, id string) (bool, error) {
	resp, err := c.client.GetPatient(ctx, &directoryv1.GetPatientRequest{PatientId: id})
	if err != nil {
		return false, err
	}
	return resp.GetExists(), nil
}
