package jobs

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"strings"
)

// tailReadCap bounds how much of the log is read per tick.
const tailReadCap = 128 << 10

// readTail returns up to n trailing lines of the file, reading at most
// tailReadCap bytes from the end. A missing file yields "".
func readTail(path string, n int) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ""
	}
	offset := info.Size() - tailReadCap
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return ""
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return ""
	}

	text := strings.TrimRight(string(data), "\n")
	if text == "" {
		return ""
	}
	lines := strings.Split(text, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

func hashTail(tail string) string {
	sum := sha256.Sum256([]byte(tail))
	return hex.EncodeToString(sum[:8])
}
