package firehose

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chcolte/bluesky-mention-bot-go/carblocks"
	"github.com/chcolte/bluesky-mention-bot-go/checkpoint"
	"github.com/chcolte/bluesky-mention-bot-go/classify"
	"github.com/chcolte/bluesky-mention-bot-go/emitter"
	"github.com/chcolte/bluesky-mention-bot-go/logger"
	"github.com/chcolte/bluesky-mention-bot-go/models"
)

// 監視対象のコレクション
const PostCollectionPrefix = "app.bsky.feed.post/"

// 再接続前の待機時間（ビジーループ防止。正確な値は契約ではない）
const defaultReconnectDelay = 5 * time.Second

// EventSink はマッチしたイベントの出力先
type EventSink interface {
	Emit(ev models.MatchEvent) error
}

// Consumer はfirehose購読のライフサイクルを管理し、
// コミット毎にブロックのデコード・分類・出力を行う。
type Consumer struct {
	Dial           DialFunc
	TargetDid      string
	Cursor         *checkpoint.Cursor
	Sink           EventSink
	Opts           classify.Options
	ReconnectDelay time.Duration
}

// Run はシャットダウン（ctxキャンセル）まで消費を続ける。
// ストリームエラー時の再接続は切断1回につき1回だけ許し、
// 再接続にも失敗した場合はエラーを返す（呼び出し側が非0終了する）。
func (c *Consumer) Run(ctx context.Context) error {
	src, err := c.connectWithRetry(ctx)
	if err != nil {
		return err
	}

	for {
		streamErr := c.stream(ctx, src)
		if ctx.Err() != nil {
			logger.Info("Firehose consumer stopped")
			return nil
		}

		// 即座に切られる接続でビジーループしないよう、再接続前に必ず待つ
		delay := c.reconnectDelay()
		logger.Errorf("Firehose stream error: %v. Reconnecting in %v...", streamErr, delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}

		src, err = c.connectWithRetry(ctx)
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			src.Close()
			return nil
		}
		logger.Info("Reconnected successfully")
	}
}

func (c *Consumer) reconnectDelay() time.Duration {
	if c.ReconnectDelay > 0 {
		return c.ReconnectDelay
	}
	return defaultReconnectDelay
}

// connectWithRetry は接続を1回だけリトライする。
// 2回目も失敗したらそのエラーを返す（StreamFatal）。
func (c *Consumer) connectWithRetry(ctx context.Context) (Source, error) {
	src, err := c.connect()
	if err == nil {
		return src, nil
	}

	delay := c.reconnectDelay()
	logger.Errorf("Failed to connect: %v. Retrying in %v...", err, delay)

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	src, err = c.connect()
	if err != nil {
		return nil, fmt.Errorf("failed to connect after retry: %w", err)
	}
	return src, nil
}

func (c *Consumer) connect() (Source, error) {
	seq, ok := c.Cursor.Snapshot()
	if ok {
		logger.Infof("Subscribing with cursor: %d", seq)
	} else {
		logger.Info("Subscribing from live tail")
	}
	return c.Dial(seq, ok)
}

// stream はエンベロープを到着順に1本のループで処理する。
// ctxキャンセル時はソースを閉じてNextのブロックを解除する。
// 処理中のエンベロープはキャンセル後も最後まで処理される（協調的シャットダウン）。
func (c *Consumer) stream(ctx context.Context, src Source) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			src.Close()
		case <-done:
			src.Close()
		}
	}()

	for {
		env, err := src.Next()
		if err != nil {
			return err
		}
		c.processEnvelope(env)

		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

// processEnvelope はコミット1件分の処理。どんな失敗もここで握りつぶし、
// ストリームを止めない。
func (c *Consumer) processEnvelope(env *models.CommitEnvelope) {
	// カーソルは分類の成否に関係なく必ず前進させる。
	// デコード失敗したコミットのseqで保存された後にクラッシュすると、
	// そのコミットは再検査されない（既知の割り切り）。
	c.Cursor.Advance(env.Seq)

	if len(env.Ops) == 0 || len(env.Blocks) == 0 {
		return
	}
	if !hasPostCreate(env.Ops) {
		return
	}

	// CARのデコードはエンベロープ毎に1回だけ。操作毎のデコードはしない
	blockMap, err := carblocks.Decode(env.Blocks)
	if err != nil {
		logger.Errorf("Failed to decode blocks (seq=%d repo=%s): %v", env.Seq, env.Repo, err)
		return
	}

	for _, op := range env.Ops {
		if op.Action != models.ActionCreate || !strings.HasPrefix(op.Path, PostCollectionPrefix) {
			continue
		}

		record, ok := blockMap.Get(op.Cid)
		if !ok {
			// 操作が参照するCIDがコンテナに無いことは正常系（partial upload等）
			logger.Debugf("Record %s not in blocks (seq=%d path=%s)", op.Cid, env.Seq, op.Path)
			continue
		}

		reason, ok := classify.Classify(record, c.TargetDid, c.Opts)
		if !ok {
			continue
		}

		event := models.MatchEvent{
			Type:   models.EventTypeFirehoseMention,
			URI:    fmt.Sprintf("at://%s/%s", env.Repo, op.Path),
			Cid:    op.Cid,
			Author: models.Author{Did: env.Repo},
			Record: emitter.Scalarize(record),
			Reason: reason,
		}
		if err := c.Sink.Emit(event); err != nil {
			logger.Errorf("Failed to emit event (seq=%d uri=%s): %v", env.Seq, event.URI, err)
		}
	}
}

func hasPostCreate(ops []models.Operation) bool {
	for _, op := range ops {
		if op.Action == models.ActionCreate && strings.HasPrefix(op.Path, PostCollectionPrefix) {
			return true
		}
	}
	return false
}
