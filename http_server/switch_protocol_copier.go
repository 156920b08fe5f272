package http_server

import "io"

// switchProtocolCopier exists so goroutines proxying data back and
// forth have nice names in stacks.
type switchProtocolCopier struct {
	user, backend io.ReadWriter
}

func (c switchProtocolCopier) copyFromBackend() error {
	_, err := io.Copy(c.user, c.backend)
	return err
}

func (c switchProtocolCopier) copyToBackend() error {
	_, err := io.Copy(c.backend, c.user)
	return err
}
