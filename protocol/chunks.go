package protocol

// ChunkCount returns how many chunks a file of size bytes is split into.
// An empty file still has one zero-length chunk.
func ChunkCount(size int64, chunkSize int) uint64 {
	if size <= 0 || chunkSize <= 0 {
		return 1
	}
	count := uint64(size / int64(chunkSize))
	if size%int64(chunkSize) != 0 {
		count++
	}
	return count
}

// ChunkOffset returns the byte offset of chunk index.
func ChunkOffset(index uint64, chunkSize int) int64 {
	return int64(index) * int64(chunkSize)
}

// ChunkLength returns the plaintext length of chunk index, or -1 when the
// index lies outside the file.
func ChunkLength(size int64, chunkSize int, index uint64) int {
	if index >= ChunkCount(size, chunkSize) {
		return -1
	}
	remaining := size - ChunkOffset(index, chunkSize)
	if remaining < int64(chunkSize) {
		return int(remaining)
	}
	return chunkSize
}

// ValidChunkSize reports whether size lies within the accepted bounds.
func ValidChunkSize(size int) bool {
	return size >= MinChunkSize && size <= MaxChunkSize
}
