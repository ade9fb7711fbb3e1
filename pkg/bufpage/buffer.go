package bufpage

// Buffer is a pinned block of a relation. Holders take the read lock before looking at the
// bytes and call Release once they are done. *pager.Page implements it.
type Buffer interface {
	RLock()
	RUnlock()
	GetData() []byte
	GetPageNum() int64
	Release() error
}

// CopyPage copies the contents of buf into a private page under the buffer's read lock.
func CopyPage(buf Buffer) Page {
	buf.RLock()
	defer buf.RUnlock()
	data := buf.GetData()
	p := make(Page, len(data))
	copy(p, data)
	return p
}
