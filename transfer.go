package courier

import (
	"io"

	"github.com/thushan/courier/pkg/pool"
)

// copyBuffers backs the request-body and drain copies so steady-state calls
// do not allocate a fresh transfer buffer each time.
var copyBuffers, _ = pool.NewLitePool(func() *[]byte {
	buf := make([]byte, 32*1024)
	return &buf
})

func copyWithPooledBuffer(dst io.Writer, src io.Reader) (int64, error) {
	bufp := copyBuffers.Get()
	defer copyBuffers.Put(bufp)
	return io.CopyBuffer(dst, src, *bufp)
}
