package checkpoint

import (
	"context"
	"sync"
	"time"

	"github.com/chcolte/bluesky-mention-bot-go/logger"
)

// DefaultFlushInterval はカーソルの定期書き出し間隔。
// コミット毎の書き出しはI/Oコストが高すぎるため行わない。
const DefaultFlushInterval = 5 * time.Second

// Store はカーソル永続化のバックエンド
type Store interface {
	// Load は保存済みカーソルを返す。未保存・読めない場合は (0, false)
	Load() (uint64, bool)
	// Save はカーソルを永続化する
	Save(seq uint64) error
}

// Cursor は消費ループと定期フラッシュタスクが共有するシーケンス番号。
// 生の値は公開せず、Advance/Snapshot経由でのみ触る。
type Cursor struct {
	mu  sync.Mutex
	seq uint64
	set bool
}

func NewCursor() *Cursor {
	return &Cursor{}
}

// Advance はカーソルを前進させる。巻き戻しはしない（単調非減少）
func (c *Cursor) Advance(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.set || seq > c.seq {
		c.seq = seq
		c.set = true
	}
}

// Snapshot は現在値を返す。まだ1件も観測していなければ (0, false)
func (c *Cursor) Snapshot() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq, c.set
}

// Flush はカーソルの現在値をストアに書き出す。
// 書き込み失敗は致命的ではない（次回クラッシュ時に再送が増えるだけ）ので
// ログを出して継続する。
func Flush(cur *Cursor, st Store) {
	seq, ok := cur.Snapshot()
	if !ok {
		return
	}
	if err := st.Save(seq); err != nil {
		logger.Errorf("Failed to save cursor %d: %v", seq, err)
	}
}

// RunFlusher はキャンセルされるまで一定間隔でカーソルを書き出し続ける。
// 最終フラッシュは呼び出し側がシャットダウン時に同期的に行う。
func RunFlusher(ctx context.Context, cur *Cursor, st Store, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			Flush(cur, st)
		case <-ctx.Done():
			return
		}
	}
}
