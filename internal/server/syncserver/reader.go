package syncserver

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// maxCopyBlockSize caps one positioned read against a snapshot file.
const maxCopyBlockSize = 1 << 20

// readSnapshotFile reads up to count bytes at offset from an immutable
// snapshot file.
//
// The read proceeds in blocks of at most maxCopyBlockSize until count bytes
// are satisfied or the file ends. A zero-byte read means the caller has
// reached physical end-of-file; only then is the whole file hashed
// sequentially and the hex MD5 returned. Earlier chunk reads return an empty
// checksum. Snapshot files never change for the lifetime of one uuid, so the
// hash matches what the chunks reassemble to.
func readSnapshotFile(path string, offset, count uint64) (data []byte, checksum string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("syncserver: open %s: %w", path, err)
	}
	defer f.Close()

	data = make([]byte, 0, min(count, maxCopyBlockSize))
	readOffset := int64(offset)
	remaining := count
	hitEOF := false

	for remaining > 0 {
		blockSize := min(remaining, maxCopyBlockSize)
		block := make([]byte, blockSize)

		n, rerr := f.ReadAt(block, readOffset)
		data = append(data, block[:n]...)
		readOffset += int64(n)
		remaining -= uint64(n)

		if n == 0 && rerr == io.EOF {
			hitEOF = true
			break
		}
		if rerr != nil && rerr != io.EOF {
			return nil, "", fmt.Errorf("syncserver: read %s: %w", path, rerr)
		}
		// A short read at the tail loops once more; the zero-byte read on
		// the next iteration is what confirms physical end-of-file.
	}
	if hitEOF {
		h := md5.New()
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return nil, "", fmt.Errorf("syncserver: seek %s: %w", path, err)
		}
		if _, err := io.CopyBuffer(h, f, make([]byte, maxCopyBlockSize)); err != nil {
			return nil, "", fmt.Errorf("syncserver: checksum %s: %w", path, err)
		}
		checksum = hex.EncodeToString(h.Sum(nil))
	}

	return data, checksum, nil
}
