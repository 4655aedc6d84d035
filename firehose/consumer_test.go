package firehose

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"

	"github.com/chcolte/bluesky-mention-bot-go/checkpoint"
	"github.com/chcolte/bluesky-mention-bot-go/classify"
	"github.com/chcolte/bluesky-mention-bot-go/models"
)

const targetDid = "did:plc:target123"

// ---- テスト用のフェイク ----

type fakeSource struct {
	envs []*models.CommitEnvelope
	pos  int
}

func (s *fakeSource) Next() (*models.CommitEnvelope, error) {
	if s.pos >= len(s.envs) {
		return nil, io.EOF
	}
	env := s.envs[s.pos]
	s.pos++
	return env, nil
}

func (s *fakeSource) Close() error { return nil }

// blockingSource はCloseされるまでNextがブロックする（シャットダウンテスト用）
type blockingSource struct {
	ch     chan *models.CommitEnvelope
	closed chan struct{}
	once   sync.Once
}

func newBlockingSource() *blockingSource {
	return &blockingSource{
		ch:     make(chan *models.CommitEnvelope),
		closed: make(chan struct{}),
	}
}

func (s *blockingSource) Next() (*models.CommitEnvelope, error) {
	select {
	case env := <-s.ch:
		return env, nil
	case <-s.closed:
		return nil, errors.New("connection closed")
	}
}

func (s *blockingSource) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// deadSource は接続直後に切られるストリーム
type deadSource struct{}

func (s *deadSource) Next() (*models.CommitEnvelope, error) {
	return nil, errors.New("connection reset")
}

func (s *deadSource) Close() error { return nil }

// closeTrackingSource はCloseされたかどうかだけ記録する
type closeTrackingSource struct {
	closed bool
}

func (s *closeTrackingSource) Next() (*models.CommitEnvelope, error) {
	return nil, errors.New("connection closed")
}

func (s *closeTrackingSource) Close() error {
	s.closed = true
	return nil
}

type captureSink struct {
	mu     sync.Mutex
	events []models.MatchEvent
}

func (c *captureSink) Emit(ev models.MatchEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *captureSink) all() []models.MatchEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.MatchEvent(nil), c.events...)
}

func newConsumer(dial DialFunc, sink EventSink) (*Consumer, *checkpoint.Cursor) {
	cur := checkpoint.NewCursor()
	return &Consumer{
		Dial:           dial,
		TargetDid:      targetDid,
		Cursor:         cur,
		Sink:           sink,
		Opts:           classify.DefaultOptions(),
		ReconnectDelay: time.Millisecond,
	}, cur
}

// ---- CARフィクスチャ構築（carblocksのテストと同じ形式） ----

type carHeader struct {
	Roots   []cbor.Tag `cbor:"roots"`
	Version uint64     `cbor:"version"`
}

func buildBlocks(t *testing.T, c cid.Cid, record interface{}) []byte {
	t.Helper()
	data, err := cbor.Marshal(record)
	if err != nil {
		t.Fatalf("marshal record: %v", err)
	}

	header, err := cbor.Marshal(carHeader{
		Roots:   []cbor.Tag{{Number: 42, Content: append([]byte{0x00}, c.Bytes()...)}},
		Version: 1,
	})
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}

	var buf bytes.Buffer
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(header)))
	buf.Write(tmp[:n])
	buf.Write(header)

	section := append(c.Bytes(), data...)
	n = binary.PutUvarint(tmp[:], uint64(len(section)))
	buf.Write(tmp[:n])
	buf.Write(section)
	return buf.Bytes()
}

func postEnvelope(t *testing.T, seq uint64, repo string, rkey string, record interface{}) *models.CommitEnvelope {
	t.Helper()
	data, err := cbor.Marshal(record)
	if err != nil {
		t.Fatal(err)
	}
	c := testCid(t, data)
	return &models.CommitEnvelope{
		Repo: repo,
		Seq:  seq,
		Ops: []models.Operation{
			{Action: "create", Path: PostCollectionPrefix + rkey, Cid: c.String()},
		},
		Blocks: buildBlocks(t, c, record),
	}
}

// ---- シナリオテスト ----

// メンションfacet付きの投稿 → mentionイベントが1件出ること
func TestConsumer_MentionScenario(t *testing.T) {
	record := map[string]interface{}{
		"text": "hi",
		"facets": []interface{}{
			map[string]interface{}{
				"features": []interface{}{
					map[string]interface{}{
						"$type": classify.MentionFeatureType,
						"did":   targetDid,
					},
				},
			},
		},
	}
	env := postEnvelope(t, 100, "did:plc:alice", "abc", record)

	sink := &captureSink{}
	consumer, cursor := newConsumer(nil, sink)
	consumer.processEnvelope(env)

	events := sink.all()
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.Reason != models.ReasonMention {
		t.Errorf("reason = %q, want mention", ev.Reason)
	}
	if ev.URI != "at://did:plc:alice/app.bsky.feed.post/abc" {
		t.Errorf("uri = %q", ev.URI)
	}
	if ev.Type != models.EventTypeFirehoseMention {
		t.Errorf("type = %q", ev.Type)
	}
	if ev.Author.Did != "did:plc:alice" {
		t.Errorf("author did = %q", ev.Author.Did)
	}

	recMap, _ := ev.Record.(map[string]interface{})
	if recMap == nil || recMap["text"] != "hi" {
		t.Errorf("record = %v, want scalarized map with text", ev.Record)
	}

	if seq, ok := cursor.Snapshot(); !ok || seq != 100 {
		t.Errorf("cursor = (%d, %v), want (100, true)", seq, ok)
	}
}

// リプライ投稿 → replyイベント
func TestConsumer_ReplyScenario(t *testing.T) {
	record := map[string]interface{}{
		"reply": map[string]interface{}{
			"parent": map[string]interface{}{
				"uri": "at://" + targetDid + "/app.bsky.feed.post/xyz",
			},
		},
	}
	env := postEnvelope(t, 101, "did:plc:bob", "def", record)

	sink := &captureSink{}
	consumer, _ := newConsumer(nil, sink)
	consumer.processEnvelope(env)

	events := sink.all()
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Reason != models.ReasonReply {
		t.Errorf("reason = %q, want reply", events[0].Reason)
	}
}

// 操作が参照するCIDがコンテナに無い → イベントなし、カーソルは前進
func TestConsumer_MissingRecord(t *testing.T) {
	record := map[string]interface{}{"text": "present"}
	env := postEnvelope(t, 102, "did:plc:carol", "ghi", record)

	// opのCIDをコンテナに存在しないものに差し替える
	env.Ops[0].Cid = testCid(t, []byte("not in container")).String()

	sink := &captureSink{}
	consumer, cursor := newConsumer(nil, sink)
	consumer.processEnvelope(env)

	if len(sink.all()) != 0 {
		t.Error("expected no events for missing record")
	}
	if seq, ok := cursor.Snapshot(); !ok || seq != 102 {
		t.Errorf("cursor = (%d, %v), want (102, true)", seq, ok)
	}
}

// CARのデコードに失敗してもカーソルは前進し、ストリームは続く
func TestConsumer_DecodeFailureAdvancesCursor(t *testing.T) {
	env := &models.CommitEnvelope{
		Repo: "did:plc:dave",
		Seq:  103,
		Ops: []models.Operation{
			{Action: "create", Path: PostCollectionPrefix + "jkl", Cid: "bafybad"},
		},
		Blocks: []byte{0xff, 0xff, 0xff, 0x00},
	}

	sink := &captureSink{}
	consumer, cursor := newConsumer(nil, sink)
	consumer.processEnvelope(env)

	if len(sink.all()) != 0 {
		t.Error("expected no events")
	}
	if seq, ok := cursor.Snapshot(); !ok || seq != 103 {
		t.Errorf("cursor = (%d, %v), want (103, true)", seq, ok)
	}
}

// 無関係な操作（delete、他コレクション）は無視される
func TestConsumer_IgnoresUnrelatedOps(t *testing.T) {
	record := map[string]interface{}{
		"reply": map[string]interface{}{
			"parent": map[string]interface{}{"uri": "at://" + targetDid + "/app.bsky.feed.post/p"},
		},
	}
	env := postEnvelope(t, 104, "did:plc:erin", "mno", record)
	env.Ops = []models.Operation{
		{Action: "delete", Path: PostCollectionPrefix + "mno", Cid: env.Ops[0].Cid},
		{Action: "create", Path: "app.bsky.feed.like/mno", Cid: env.Ops[0].Cid},
	}

	sink := &captureSink{}
	consumer, cursor := newConsumer(nil, sink)
	consumer.processEnvelope(env)

	if len(sink.all()) != 0 {
		t.Error("expected no events for delete/like ops")
	}
	if seq, _ := cursor.Snapshot(); seq != 104 {
		t.Errorf("cursor = %d, want 104", seq)
	}
}

// カーソルはシーケンス番号の最大値を追い続ける
func TestConsumer_CursorTracksMaxSeq(t *testing.T) {
	sink := &captureSink{}
	consumer, cursor := newConsumer(nil, sink)

	for _, seq := range []uint64{10, 12, 11} {
		consumer.processEnvelope(&models.CommitEnvelope{Repo: "did:plc:x", Seq: seq})
	}

	if seq, _ := cursor.Snapshot(); seq != 12 {
		t.Errorf("cursor = %d, want 12", seq)
	}
}

// 保存済みカーソル"42"で起動 → cursor=42で購読、seq=50処理後のフラッシュで"50"が残る
func TestConsumer_ResumeAndFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cursor.txt")
	if err := os.WriteFile(path, []byte("42"), 0644); err != nil {
		t.Fatal(err)
	}
	store := checkpoint.NewFileStore(path)

	var dialedCursor uint64
	var dialedWith bool
	record := map[string]interface{}{
		"reply": map[string]interface{}{
			"parent": map[string]interface{}{"uri": "at://" + targetDid + "/app.bsky.feed.post/p"},
		},
	}
	env := postEnvelope(t, 50, "did:plc:alice", "abc", record)

	dial := func(cursor uint64, hasCursor bool) (Source, error) {
		if !dialedWith {
			dialedCursor, dialedWith = cursor, true
			return &fakeSource{envs: []*models.CommitEnvelope{env}}, nil
		}
		return nil, errors.New("relay unavailable")
	}

	sink := &captureSink{}
	consumer, cursor := newConsumer(dial, sink)
	if seq, ok := store.Load(); ok {
		cursor.Advance(seq)
	}

	err := consumer.Run(context.Background())
	if err == nil {
		t.Fatal("expected error once reconnect is exhausted")
	}

	if !dialedWith || dialedCursor != 42 {
		t.Errorf("dialed with cursor %d (%v), want 42", dialedCursor, dialedWith)
	}
	if len(sink.all()) != 1 {
		t.Errorf("got %d events, want 1", len(sink.all()))
	}

	checkpoint.Flush(cursor, store)
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "50" {
		t.Errorf("cursor file = %q (%v), want \"50\"", data, err)
	}
}

// ストリームエラー後に1回だけ再接続し、それも失敗したらエラーで終了する
func TestConsumer_ReconnectOnce(t *testing.T) {
	env1 := postEnvelope(t, 1, "did:plc:alice", "a", map[string]interface{}{"text": "x"})
	env2 := postEnvelope(t, 2, "did:plc:alice", "b", map[string]interface{}{"text": "y"})

	var dials int
	dial := func(cursor uint64, hasCursor bool) (Source, error) {
		dials++
		switch dials {
		case 1:
			return &fakeSource{envs: []*models.CommitEnvelope{env1}}, nil
		case 2:
			// 切断後の再接続は最後に観測したカーソルから
			if !hasCursor || cursor != 1 {
				t.Errorf("reconnect cursor = (%d, %v), want (1, true)", cursor, hasCursor)
			}
			return &fakeSource{envs: []*models.CommitEnvelope{env2}}, nil
		default:
			return nil, errors.New("relay unavailable")
		}
	}

	sink := &captureSink{}
	consumer, cursor := newConsumer(dial, sink)

	err := consumer.Run(context.Background())
	if err == nil {
		t.Fatal("expected StreamFatal error")
	}
	// 3回目の切断で再接続を2回試して（1回のリトライ込み）諦める
	if dials != 4 {
		t.Errorf("dials = %d, want 4", dials)
	}
	if seq, _ := cursor.Snapshot(); seq != 2 {
		t.Errorf("cursor = %d, want 2", seq)
	}
}

// 接続は張れるが即切られるリレーに対しても、再接続前に最低限の待ちが入ること
// （待ちがdial失敗時だけだとゼロ遅延の接続ループになる）
func TestConsumer_ReconnectDelayAfterStreamError(t *testing.T) {
	const delay = 50 * time.Millisecond

	var mu sync.Mutex
	var dialTimes []time.Time
	dial := func(cursor uint64, hasCursor bool) (Source, error) {
		mu.Lock()
		dialTimes = append(dialTimes, time.Now())
		n := len(dialTimes)
		mu.Unlock()
		if n <= 2 {
			return &deadSource{}, nil
		}
		return nil, errors.New("relay unavailable")
	}

	sink := &captureSink{}
	consumer, _ := newConsumer(dial, sink)
	consumer.ReconnectDelay = delay

	if err := consumer.Run(context.Background()); err == nil {
		t.Fatal("expected StreamFatal error")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(dialTimes) != 4 {
		t.Fatalf("dials = %d, want 4", len(dialTimes))
	}
	// dial#1は即切断され、dial#2はストリームエラー後の再接続
	if gap := dialTimes[1].Sub(dialTimes[0]); gap < delay {
		t.Errorf("reconnect after stream error waited only %v, want >= %v", gap, delay)
	}
	// dial#4はdial#3の失敗後のリトライ
	if gap := dialTimes[3].Sub(dialTimes[2]); gap < delay {
		t.Errorf("retry after dial failure waited only %v, want >= %v", gap, delay)
	}
}

// 再接続成功直後にシャットダウンが要求された場合、張り直した接続を閉じて終わること
func TestConsumer_ShutdownDuringReconnectClosesSource(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tracked := &closeTrackingSource{}

	var dials int
	dial := func(cursor uint64, hasCursor bool) (Source, error) {
		dials++
		if dials == 1 {
			return &fakeSource{}, nil
		}
		cancel()
		return tracked, nil
	}

	sink := &captureSink{}
	consumer, _ := newConsumer(dial, sink)

	if err := consumer.Run(ctx); err != nil {
		t.Errorf("shutdown should return nil, got %v", err)
	}
	if !tracked.closed {
		t.Error("source dialed during shutdown must be closed")
	}
}

// シャットダウンシグナルで処理中のループが協調的に止まること
func TestConsumer_GracefulShutdown(t *testing.T) {
	src := newBlockingSource()
	dial := func(cursor uint64, hasCursor bool) (Source, error) {
		return src, nil
	}

	sink := &captureSink{}
	consumer, cursor := newConsumer(dial, sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- consumer.Run(ctx)
	}()

	// 1件流してから止める
	record := map[string]interface{}{
		"reply": map[string]interface{}{
			"parent": map[string]interface{}{"uri": "at://" + targetDid + "/app.bsky.feed.post/p"},
		},
	}
	src.ch <- postEnvelope(t, 7, "did:plc:alice", "abc", record)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("graceful shutdown should return nil, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop after cancellation")
	}

	if len(sink.all()) != 1 {
		t.Errorf("got %d events, want 1 (in-flight envelope should complete)", len(sink.all()))
	}
	if seq, _ := cursor.Snapshot(); seq != 7 {
		t.Errorf("cursor = %d, want 7", seq)
	}
}
