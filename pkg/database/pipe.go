package database

import (
	"bufio"
	"io"
)

// newPipe is a thin indirection over io.Pipe kept in its own file so
// BulkUnload's streaming logic reads as "copy to a reader, scan lines"
// without inlining plumbing details.
func newPipe() (*io.PipeReader, *io.PipeWriter) {
	return io.Pipe()
}

// scanLines reads newline-delimited COPY output from r, invoking rowFn per
// line until EOF or rowFn returns an error.
func scanLines(r io.Reader, rowFn func(line string) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := rowFn(scanner.Text()); err != nil {
			return err
		}
	}
	return scanner.Err()
}
