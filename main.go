package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/chcolte/bluesky-mention-bot-go/checkpoint"
	"github.com/chcolte/bluesky-mention-bot-go/classify"
	"github.com/chcolte/bluesky-mention-bot-go/emitter"
	"github.com/chcolte/bluesky-mention-bot-go/firehose"
	"github.com/chcolte/bluesky-mention-bot-go/logger"
	"github.com/chcolte/bluesky-mention-bot-go/utils"
)

func main() {
	url, verbose, noQuotes, textMention, flushInterval := readFlags()
	logger.SetVerbose(verbose)

	// .envがあれば読む（無くてもよい）
	_ = godotenv.Load()

	targetDid := os.Getenv("BLUESKY_BOT_DID")
	if targetDid == "" {
		logger.Fatal("BLUESKY_BOT_DID not set in environment.")
	}

	if url == "" {
		url = os.Getenv("FIREHOSE_URL")
	}
	if url == "" {
		url = firehose.DefaultURL
	}

	store := openCursorStore()
	cursor := checkpoint.NewCursor()
	if seq, ok := store.Load(); ok {
		cursor.Advance(seq)
		logger.Infof("Resuming from cursor: %d", seq)
	} else {
		logger.Info("Cursor not found. Starting from latest.")
	}

	// マッチイベントは標準出力へ、診断はすべて標準エラーへ
	em := emitter.New(os.Stdout)
	if archivePath := os.Getenv("FIREHOSE_ARCHIVE_FILE"); archivePath != "" {
		em.SetArchive(archivePath)
		if err := utils.SaveSessionInfo(archivePath, url, targetDid); err != nil {
			logger.Errorf("Failed to write session info: %v", err)
		}
	}

	opts := classify.DefaultOptions()
	opts.DetectQuotes = !noQuotes
	opts.TextMentionPrecheck = textMention

	consumer := &firehose.Consumer{
		Dial:      firehose.Dial(url),
		TargetDid: targetDid,
		Cursor:    cursor,
		Sink:      em,
		Opts:      opts,
	}

	startMessage(url, targetDid, opts, flushInterval)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go checkpoint.RunFlusher(ctx, cursor, store, flushInterval)

	err := consumer.Run(ctx)

	// シャットダウン時・ストリーム失敗時とも、最後に必ず同期フラッシュ
	checkpoint.Flush(cursor, store)
	if seq, ok := cursor.Snapshot(); ok {
		logger.Infof("Final cursor: %d", seq)
	}

	if err != nil {
		logger.Errorf("Firehose error: %v", err)
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}

// カーソルの保存先を決める。FIREHOSE_CURSOR_DBが指定されていればSQLite、
// それ以外はテキストファイル（FIREHOSE_CURSOR_FILEで上書き可）。
func openCursorStore() checkpoint.Store {
	if dbPath := os.Getenv("FIREHOSE_CURSOR_DB"); dbPath != "" {
		store, err := checkpoint.NewSQLiteStore(dbPath, "firehose")
		if err != nil {
			logger.Fatalf("Failed to open cursor db %s: %v", dbPath, err)
		}
		return store
	}
	return checkpoint.NewFileStore(os.Getenv("FIREHOSE_CURSOR_FILE"))
}

func startMessage(url string, targetDid string, opts classify.Options, flushInterval time.Duration) {
	logger.SetFlags(0)
	logger.Info("---------------------------------------------------")
	logger.Info("Bluesky Mention Bot v" + utils.ToolVersion)
	logger.Info("https://github.com/chcolte/bluesky-mention-bot-go")
	logger.Info("- Firehose URL:    ", url)
	logger.Info("- Target DID:      ", targetDid)
	logger.Info("- Detect quotes:   ", opts.DetectQuotes)
	logger.Info("- Text mentions:   ", opts.TextMentionPrecheck)
	logger.Info("- Flush interval:  ", flushInterval)
	logger.Info("---------------------------------------------------")
	logger.SetFlags(log.LstdFlags)
}

func readFlags() (string, bool, bool, bool, time.Duration) {
	var (
		u  = flag.String("u", "", "firehose URL (default: FIREHOSE_URL env or "+firehose.DefaultURL+")")
		v  = flag.Bool("V", false, "verbose output")
		nq = flag.Bool("no-quotes", false, "disable quote-repost detection")
		tm = flag.Bool("text-mention", false, "treat target DID appearing in post text as a mention")
		fi = flag.Duration("flush-interval", checkpoint.DefaultFlushInterval, "cursor flush interval")
	)
	flag.Parse()
	return *u, *v, *nq, *tm, *fi
}
