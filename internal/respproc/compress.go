package respproc

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
)

const (
	AlgorithmGzip    = "gzip"
	AlgorithmDeflate = "deflate"
)

// DecompressionError reports corrupt or mismatched compressed input.
type DecompressionError struct {
	Algorithm string
	Err       error
}

func (e *DecompressionError) Error() string {
	return fmt.Sprintf("decompress %s: %v", e.Algorithm, e.Err)
}

func (e *DecompressionError) Unwrap() error { return e.Err }

func compress(data []byte, algorithm string, level int) ([]byte, error) {
	var buf bytes.Buffer
	var w io.WriteCloser
	var err error

	switch algorithm {
	case AlgorithmDeflate:
		w, err = flate.NewWriter(&buf, level)
	case AlgorithmGzip, "":
		w, err = gzip.NewWriterLevel(&buf, level)
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", algorithm)
	}
	if err != nil {
		return nil, err
	}

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte, algorithm string) ([]byte, error) {
	var r io.ReadCloser
	switch algorithm {
	case AlgorithmDeflate:
		r = flate.NewReader(bytes.NewReader(data))
	case AlgorithmGzip, "":
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, &DecompressionError{Algorithm: AlgorithmGzip, Err: err}
		}
		r = gz
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", algorithm)
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, &DecompressionError{Algorithm: algorithm, Err: err}
	}
	return out, nil
}
