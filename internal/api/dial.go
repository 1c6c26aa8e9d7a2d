package api

import (
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Conn is an admin client bound to its own connection.
type Conn struct {
	*Client
	conn *grpc.ClientConn
}

// Dial connects to the daemon's Unix domain socket.
func Dial(socketPath string) (*Conn, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Conn{Client: NewClient(conn), conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}
