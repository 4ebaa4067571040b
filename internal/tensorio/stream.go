package tensorio

import (
	"fmt"
	"io"
	"os"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-pagedattn/internal/logger"
)

// WriteStream writes f as a single-batch Arrow IPC stream.
func WriteStream(w io.Writer, f *Frame) error {
	mem := memory.NewGoAllocator()
	rec := f.Record(mem)
	defer rec.Release()

	iw := ipc.NewWriter(w, ipc.WithSchema(Schema), ipc.WithAllocator(mem))
	if err := iw.Write(rec); err != nil {
		iw.Close()
		return fmt.Errorf("write tensor frame: %w", err)
	}
	return iw.Close()
}

// ReadStream reads every batch of an Arrow IPC stream into one frame.
// Later rows replace earlier rows of the same name.
func ReadStream(r io.Reader) (*Frame, error) {
	rdr, err := ipc.NewReader(r, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, fmt.Errorf("open tensor stream: %w", err)
	}
	defer rdr.Release()

	out := NewFrame()
	for rdr.Next() {
		f, err := FromRecord(rdr.Record())
		if err != nil {
			return nil, err
		}
		for _, name := range f.Names() {
			out.Add(name, f.Get(name))
		}
	}
	if err := rdr.Err(); err != nil && err != io.EOF {
		return nil, fmt.Errorf("read tensor stream: %w", err)
	}
	return out, nil
}

// SaveFile writes f to path, replacing any existing file.
func SaveFile(path string, f *Frame) error {
	fh, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteStream(fh, f); err != nil {
		fh.Close()
		return err
	}
	logger.Log.Debug("saved tensor frame", "path", path, "tensors", f.Len())
	return fh.Close()
}

// LoadFile reads a frame written by SaveFile.
func LoadFile(path string) (*Frame, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	f, err := ReadStream(fh)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	logger.Log.Debug("loaded tensor frame", "path", path, "tensors", f.Len())
	return f, nil
}
