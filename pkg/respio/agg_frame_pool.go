package respio

import "sync"

// aggFrame is one in-progress aggregate on the decoder stack: the tag, the
// countdown of elements still owed, the children collected so far, and any
// attribute map that preceded the aggregate itself.
type aggFrame struct {
	tag       byte
	remaining int
	elems     []*RespValue
	attrs     *RespValue
}

// aggFramePool recycles the stack frame structs; the elems slice is handed
// off to the finished RespValue and must never be reused.
var aggFramePool = sync.Pool{
	New: func() interface{} {
		return &aggFrame{}
	},
}

func acquireAggFrame() *aggFrame {
	frame := aggFramePool.Get().(*aggFrame)
	frame.elems = make([]*RespValue, 0, 8)
	return frame
}

// releaseAggFrame returns a popped frame to the pool. The elems slice now
// belongs to the delivered value, so only the struct itself is recycled.
func releaseAggFrame(f *aggFrame) {
	f.tag = 0
	f.remaining = 0
	f.elems = nil
	f.attrs = nil
	aggFramePool.Put(f)
}
