package engine

import (
	"fmt"

	"github.com/haolipeng/ddos_detector/pkg/types"
)

// WindowBuffer 累积记录直到达到窗口大小，由摄入路径独占
type WindowBuffer struct {
	records []types.PacketRecord
	size    int
}

func NewWindowBuffer(size int) *WindowBuffer {
	return &WindowBuffer{
		records: make([]types.PacketRecord, 0, size),
		size:    size,
	}
}

// Append 追加一条记录，返回窗口是否已满
// 窗口满了以后调用方必须先 Drain，否则返回 ErrWindowOverflow
func (w *WindowBuffer) Append(rec types.PacketRecord) (bool, error) {
	if len(w.records) >= w.size {
		return true, fmt.Errorf("%w: %d records pending, capacity %d", types.ErrWindowOverflow, len(w.records), w.size)
	}
	w.records = append(w.records, rec)
	return len(w.records) >= w.size, nil
}

// Drain 交换出当前窗口并清空，返回的切片归调用方所有
func (w *WindowBuffer) Drain() []types.PacketRecord {
	out := w.records
	w.records = make([]types.PacketRecord, 0, w.size)
	return out
}

func (w *WindowBuffer) Len() int {
	return len(w.records)
}

func (w *WindowBuffer) Size() int {
	return w.size
}
