package mitigation

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/haolipeng/ddos_detector/pkg/types"
)

var csvHeader = []string{"timestamp", "type", "confidence", "source_ip"}

const csvTimeLayout = "2006-01-02 15:04:05"

// CSVAttackLog 只追加的攻击日志文件，表头只在新文件中写一次
type CSVAttackLog struct {
	path string
	mu   sync.Mutex
}

func NewCSVAttackLog(path string) (*CSVAttackLog, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create attack log dir: %w", err)
		}
	}
	return &CSVAttackLog{path: path}, nil
}

func (l *CSVAttackLog) Path() string {
	return l.path
}

// Append 每次打开文件追加一行，外部轮转日志文件时不需要通知
func (l *CSVAttackLog) Append(event types.AttackEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open attack log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat attack log: %w", err)
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(csvHeader); err != nil {
			return err
		}
	}
	row := []string{
		event.Timestamp.Local().Format(csvTimeLayout),
		string(event.AttackType),
		strconv.FormatFloat(event.Confidence, 'f', -1, 64),
		event.SourceIP(),
	}
	if err := w.Write(row); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}
