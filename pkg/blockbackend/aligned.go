package blockbackend

// AlignedPage returns a zeroed, page-aligned buffer of n pages,
// suitable for the page-granular Read/Write calls above. Alignment
// matters once a real O_DIRECT-backed blobstore sits behind this
// interface; an ordinary byte slice is not guaranteed to start on a
// page boundary.
func AlignedPage(pages int) []byte {
	size := pages * PageSize
	buf := make([]byte, size+PageSize)
	offset := int(alignmentOf(buf)) % PageSize
	if offset != 0 {
		buf = buf[PageSize-offset:]
	}
	return buf[:size:size]
}

// alignmentOf returns the address of a slice's backing array modulo
// nothing in particular on its own; callers only need it modulo
// PageSize, computed in AlignedPage via sliceAddr.
func alignmentOf(b []byte) uintptr {
	return sliceAddr(b)
}
