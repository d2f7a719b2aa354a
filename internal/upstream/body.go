package upstream

import (
	"io"
	"sync"
)

// trackedBody releases the pool slot once the response body is closed.
type trackedBody struct {
	io.ReadCloser
	once    sync.Once
	release func()
}

func (b *trackedBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.release)
	return err
}
