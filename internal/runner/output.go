package runner

import (
	"bufio"
	"bytes"
	"io"
)

// maxLineLength bounds a single captured line; longer output is split.
const maxLineLength = 64 * 1024

// scanOutput reads r until EOF or error, calling onLine for every non-empty
// line. Both '\n' and '\r' end a line so tqdm-style redraws are captured.
//
// If scanning stops early, the rest of r is discarded so the writer never
// blocks on a full pipe. The scan error is returned.
func scanOutput(r io.Reader, onLine func(string)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLineLength)
	scanner.Split(splitLines)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			onLine(line)
		}
	}
	err := scanner.Err()
	if err != nil {
		_, _ = io.Copy(io.Discard, r)
	}
	return err
}

func splitLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	full := len(data) >= maxLineLength
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\r' {
			if i+1 < len(data) && data[i+1] == '\n' {
				return i + 2, data[:i], nil
			}
			if i+1 == len(data) && !atEOF && !full {
				// Need one more byte to tell "\r" from "\r\n".
				return 0, nil, nil
			}
		}
		return i + 1, data[:i], nil
	}
	if atEOF || full {
		return len(data), data, nil
	}
	return 0, nil, nil
}
